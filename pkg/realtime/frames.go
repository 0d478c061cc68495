package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType tags every WebSocket frame.
type FrameType string

const (
	FrameAuth        FrameType = "auth"
	FrameSubscribe   FrameType = "subscribe"
	FrameUsageUpdate FrameType = "usage_update"
	FrameSystemStats FrameType = "system_stats"
	FrameError       FrameType = "error"
	FrameSuccess     FrameType = "success"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// Frame is a message exchanged over a WebSocket session.  Frames encode as a
// JSON object carrying a "type" field alongside the frame's own fields.
type Frame interface {
	FrameType() FrameType
}

// AuthFrame is sent by clients to authenticate the session.
type AuthFrame struct {
	Token string `json:"token"`
}

// SubscribeFrame is sent by clients to add topics to the session.
type SubscribeFrame struct {
	Topics []string `json:"topics"`
}

// UsageUpdateFrame reports a user's request counts.
type UsageUpdateFrame struct {
	APIKeyID          string `json:"api_key_id,omitempty"`
	UserID            string `json:"user_id"`
	RequestsToday     int64  `json:"requests_today"`
	RequestsThisMonth int64  `json:"requests_this_month"`
	RateLimitStatus   string `json:"rate_limit_status,omitempty"`
}

// SystemStatsFrame reports server-wide counts.
type SystemStatsFrame struct {
	TotalRequestsToday     int64 `json:"total_requests_today"`
	TotalRequestsThisMonth int64 `json:"total_requests_this_month"`
	ActiveConnections      int   `json:"active_connections"`
}

type ErrorFrame struct {
	Message string `json:"message"`
}

type SuccessFrame struct {
	Message string `json:"message"`
}

func (AuthFrame) FrameType() FrameType        { return FrameAuth }
func (SubscribeFrame) FrameType() FrameType   { return FrameSubscribe }
func (UsageUpdateFrame) FrameType() FrameType { return FrameUsageUpdate }
func (SystemStatsFrame) FrameType() FrameType { return FrameSystemStats }
func (ErrorFrame) FrameType() FrameType       { return FrameError }
func (SuccessFrame) FrameType() FrameType     { return FrameSuccess }

func (f AuthFrame) MarshalJSON() ([]byte, error) {
	type alias AuthFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{f.FrameType(), alias(f)})
}

func (f SubscribeFrame) MarshalJSON() ([]byte, error) {
	type alias SubscribeFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{f.FrameType(), alias(f)})
}

func (f UsageUpdateFrame) MarshalJSON() ([]byte, error) {
	type alias UsageUpdateFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{f.FrameType(), alias(f)})
}

func (f SystemStatsFrame) MarshalJSON() ([]byte, error) {
	type alias SystemStatsFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{f.FrameType(), alias(f)})
}

func (f ErrorFrame) MarshalJSON() ([]byte, error) {
	type alias ErrorFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{f.FrameType(), alias(f)})
}

func (f SuccessFrame) MarshalJSON() ([]byte, error) {
	type alias SuccessFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		alias
	}{f.FrameType(), alias(f)})
}

// ParseFrame decodes a frame, dispatching on its type field.
func ParseFrame(data []byte) (Frame, error) {
	peek := struct {
		Type FrameType `json:"type"`
	}{}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var f Frame
	switch peek.Type {
	case FrameAuth:
		f = &AuthFrame{}
	case FrameSubscribe:
		f = &SubscribeFrame{}
	case FrameUsageUpdate:
		f = &UsageUpdateFrame{}
	case FrameSystemStats:
		f = &SystemStatsFrame{}
	case FrameError:
		f = &ErrorFrame{}
	case FrameSuccess:
		f = &SuccessFrame{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, peek.Type)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", peek.Type, err)
	}
	return deref(f), nil
}

func deref(f Frame) Frame {
	switch v := f.(type) {
	case *AuthFrame:
		return *v
	case *SubscribeFrame:
		return *v
	case *UsageUpdateFrame:
		return *v
	case *SystemStatsFrame:
		return *v
	case *ErrorFrame:
		return *v
	case *SuccessFrame:
		return *v
	}
	return f
}
