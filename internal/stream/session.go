package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opendx-health/opendx/internal/errors"
)

// ErrAlreadyStarted is returned by Run when the session has left the idle
// state. A session ingests exactly one stream; callers create a fresh one per
// submission.
var ErrAlreadyStarted = errors.NewSentinel("stream session already started")

// SessionState tracks the session through its lifecycle.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateOpening
	StateStreaming
	StateClosedOK
	StateClosedError
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpening:
		return "OPENING"
	case StateStreaming:
		return "STREAMING"
	case StateClosedOK:
		return "CLOSED_OK"
	case StateClosedError:
		return "CLOSED_ERROR"
	case StateCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the session has finished for good.
func (s SessionState) Terminal() bool {
	return s == StateClosedOK || s == StateClosedError || s == StateCancelled
}

// Session owns one run of stream ingestion: it opens the transport, feeds
// chunks through a FrameBuffer, decodes complete frames and hands the
// resulting events to a single handler, strictly in arrival order with no
// concurrency between handler calls.
type Session struct {
	transport Transport
	decoder   *Decoder
	handler   func(Event)
	logger    *slog.Logger

	state     atomic.Int32
	cancelled atomic.Bool

	mu     sync.Mutex
	body   io.ReadCloser
	cancel context.CancelFunc
}

// NewSession creates an idle session. handler receives every decoded event
// until the session reaches a terminal state.
func NewSession(transport Transport, handler func(Event), logger *slog.Logger) *Session {
	return &Session{
		transport: transport,
		decoder:   NewDecoder(logger),
		handler:   handler,
		logger:    logger.With("source", "stream.Session"),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Run opens the stream and consumes it to completion. It blocks, so callers
// normally invoke it in a goroutine; handler calls happen on that goroutine.
//
// A server-reported error event is delivered to the handler, transitions the
// session to CLOSED_ERROR and stops further reads: events decoded after it
// are never delivered. Transport open and read failures are returned as
// errors without any handler invocation. Cancellation is not an error and
// yields a nil return.
func (s *Session) Run(ctx context.Context, req SubmitRequest) error {
	if s.cancelled.Load() {
		s.state.CompareAndSwap(int32(StateIdle), int32(StateCancelled))
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateOpening)) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	body, err := s.transport.Open(ctx, req)
	if err != nil {
		if s.cancelled.Load() {
			s.state.Store(int32(StateCancelled))
			return nil
		}
		s.state.Store(int32(StateClosedError))
		return errors.Wrap(err, "open transport")
	}

	s.mu.Lock()
	if s.cancelled.Load() {
		s.mu.Unlock()
		_ = body.Close()
		s.state.Store(int32(StateCancelled))
		return nil
	}
	s.body = body
	s.mu.Unlock()
	defer func() {
		_ = body.Close()
	}()

	s.state.Store(int32(StateStreaming))
	s.logger.Debug("streaming", slog.String("question", req.Question))

	var frames FrameBuffer
	buf := make([]byte, 4096)
	for {
		// The cancellation flag is observed before every read and before
		// every handler call, never just at loop entry.
		if s.cancelled.Load() {
			s.state.Store(int32(StateCancelled))
			return nil
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range frames.Feed(string(buf[:n])) {
				if s.cancelled.Load() {
					s.state.Store(int32(StateCancelled))
					return nil
				}
				event, ok := s.decoder.Decode(frame)
				if !ok {
					continue
				}
				s.handler(event)
				if event.Type == EventError {
					s.state.Store(int32(StateClosedError))
					return nil
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.state.Store(int32(StateClosedOK))
				return nil
			}
			if s.cancelled.Load() {
				s.state.Store(int32(StateCancelled))
				return nil
			}
			s.state.Store(int32(StateClosedError))
			return errors.Wrap(readErr, "read stream")
		}
	}
}

// Cancel stops the session from any non-terminal state. It is idempotent.
// Once the ingestion loop observes the flag no further handler call is made,
// including for events already buffered, and pending transport resources are
// released.
func (s *Session) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.body != nil {
		_ = s.body.Close()
	}
	s.mu.Unlock()
	// A session that never ran still ends up in a terminal state.
	s.state.CompareAndSwap(int32(StateIdle), int32(StateCancelled))
}
