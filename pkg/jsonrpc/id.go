package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

var nullLiteral = []byte("null")

// ID is a JSON-RPC request identifier.  IDs are either strings or numbers, and
// may be an explicit null.  The raw JSON form is retained so that a response
// echoes the id exactly as the caller sent it, eg. `1` stays `1` and `"1"`
// stays `"1"`.
type ID struct {
	raw json.RawMessage
}

// NewNumberID returns a numeric ID.
func NewNumberID(n int64) *ID {
	return &ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// NewStringID returns a string ID.
func NewStringID(s string) *ID {
	byt, _ := json.Marshal(s)
	return &ID{raw: byt}
}

// NullID returns an ID which is present but null.  This is only used when
// responding to messages which could not be parsed far enough to read an id.
func NullID() *ID {
	return &ID{raw: nullLiteral}
}

// DefaultID is the id used when a handler must emit an error response for a
// request that bore no id.
func DefaultID() *ID {
	return NewNumberID(0)
}

// IsNull reports whether the id is an explicit JSON null.
func (id *ID) IsNull() bool {
	return id == nil || len(id.raw) == 0 || bytes.Equal(id.raw, nullLiteral)
}

// Equal reports whether two ids have the same JSON representation.
func (id *ID) Equal(other *ID) bool {
	if id == nil || other == nil {
		return id == other
	}
	return bytes.Equal(id.raw, other.raw)
}

func (id *ID) String() string {
	if id == nil {
		return "<none>"
	}
	if len(id.raw) == 0 {
		return "null"
	}
	return string(id.raw)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return nullLiteral, nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty id")
	}
	switch b[0] {
	case 'n':
		if !bytes.Equal(b, nullLiteral) {
			return fmt.Errorf("invalid id: %s", b)
		}
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("id must be a string, number or null: %s", b)
		}
	}
	id.raw = append(json.RawMessage(nil), b...)
	return nil
}
