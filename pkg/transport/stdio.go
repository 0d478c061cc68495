package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/inngest/mcpgate/pkg/fanout"
	"github.com/inngest/mcpgate/pkg/jsonrpc"
	"github.com/inngest/mcpgate/pkg/logger"
	"github.com/inngest/mcpgate/pkg/service"
)

// MaxLineBytes bounds a single stdio message.
const MaxLineBytes = 1 << 20

// Handler answers a request, returning nil when nothing must be sent back.
// It is implemented by *router.Router.
type Handler interface {
	Handle(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response
}

type StdioOpts struct {
	In      io.Reader
	Out     io.Writer
	Handler Handler
	// Broadcaster, if set, has Topics bridged onto Out as notifications.
	Broadcaster *fanout.Broadcaster
	Topics      []string
}

// Stdio serves newline-delimited JSON-RPC.  Requests are handled one at a
// time in the order they are read, so responses are written in that order
// too.  Notifications from the fan-out share the output and never interleave
// with a response line.
type Stdio struct {
	opts StdioOpts

	mu  sync.Mutex
	sub *fanout.Subscription
}

func NewStdio(opts StdioOpts) *Stdio {
	return &Stdio{opts: opts}
}

func (s *Stdio) Name() string {
	return "stdio"
}

// Finite reports that reaching end of input ends only this transport.
func (s *Stdio) Finite() bool {
	return true
}

func (s *Stdio) Pre(ctx context.Context) error {
	if s.opts.Broadcaster == nil || len(s.opts.Topics) == 0 {
		return nil
	}
	sub, err := s.opts.Broadcaster.Subscribe("stdio", s.opts.Topics...)
	if err != nil {
		return fmt.Errorf("error subscribing stdio bridge: %w", err)
	}
	s.sub = sub
	return nil
}

// Run reads until end of input or until ctx is cancelled.  A failed read
// ends only this transport.
func (s *Stdio) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.sub != nil {
		// Stop waits for the bridge, so no notification is written after it.
		wg := service.GetWaitgroup(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.bridge(ctx)
		}()
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	// Reads from stdin cannot be interrupted, so the reader may outlive Run
	// when ctx is cancelled first.
	go func() {
		readErr <- s.read(ctx, lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				logger.From(ctx).Warn("stdio transport stopped", "error", err)
			}
			return nil
		case line := <-lines:
			s.handleLine(ctx, line)
		}
	}
}

// read sends each non-empty line to lines.  A line longer than MaxLineBytes
// is discarded up to its newline and sent as nil.
func (s *Stdio) read(ctx context.Context, lines chan<- []byte) error {
	r := bufio.NewReaderSize(s.opts.In, 64*1024)
	for {
		line, tooLong, err := readLine(r, MaxLineBytes)
		if tooLong || len(line) > 0 {
			select {
			case lines <- line:
			case <-ctx.Done():
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			logger.From(ctx).Info("stdin closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading stdin: %w", err)
		}
	}
}

// readLine returns the next line without surrounding whitespace.  At most max
// bytes are buffered; longer lines are consumed and reported as tooLong.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max+2 {
				// Room for a trailing \r\n.
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return nil, true, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > max {
			return nil, true, err
		}
		return line, false, err
	}
}

func (s *Stdio) handleLine(ctx context.Context, line []byte) {
	if line == nil {
		logger.From(ctx).Warn("stdio line too long", "limit", MaxLineBytes)
		s.write(ctx, jsonrpc.ParseFailure())
		return
	}
	req, err := jsonrpc.ParseRequest(line)
	if err != nil {
		logger.From(ctx).Debug("error parsing stdio request", "error", err)
		s.write(ctx, jsonrpc.ParseFailure())
		return
	}
	if resp := s.opts.Handler.Handle(ctx, req); resp != nil {
		s.write(ctx, resp)
	}
}

func (s *Stdio) bridge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.sub.Events():
			if !ok {
				return
			}
			n, err := jsonrpc.NewNotification(e.Topic, e.Payload)
			if err != nil {
				logger.From(ctx).Error("error creating notification", "topic", e.Topic, "error", err)
				continue
			}
			s.write(ctx, n)
		}
	}
}

// write encodes v onto its own line.
func (s *Stdio) write(ctx context.Context, v any) {
	byt, err := json.Marshal(v)
	if err != nil {
		logger.From(ctx).Error("error encoding stdio message", "error", err)
		return
	}
	byt = append(byt, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.opts.Out.Write(byt); err != nil {
		logger.From(ctx).Error("error writing to stdout", "error", err)
	}
}

func (s *Stdio) Stop(ctx context.Context) error {
	if s.sub != nil {
		s.sub.Close()
	}
	return nil
}
