package provider

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/stream"
)

type state int

const (
	stateInit state = iota
	stateStreaming
	stateCompleted
	stateInterrupted
	stateErrored
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateInterrupted:
		return "interrupted"
	case stateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s state) terminal() bool {
	return s >= stateCompleted
}

// interruptedMessage is the error text of a Result forced by Interrupt.
const interruptedMessage = "interrupted"

// session is the state machine shared by every adapter's Query. It owns
// the output queue and guarantees one SystemInit first, then deltas, then
// exactly one Result.
type session struct {
	out    *stream.Queue[event.Event]
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu        sync.Mutex
	state     state
	sessionID string
	model     string
	mode      PermissionMode
	thinking  int
	usage     event.Usage
	started   time.Time

	interrupted atomic.Bool
}

func newSession(parent context.Context, logger *slog.Logger, req *QueryRequest) *session {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = slog.Default()
	}
	return &session{
		out:      stream.NewQueue[event.Event](),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		model:    req.Model,
		mode:     req.PermissionMode,
		thinking: req.MaxThinkingTokens,
		started:  time.Now(),
	}
}

// open moves Init to Streaming and emits the SystemInit.
func (s *session) open(init event.SystemInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateInit {
		return false
	}
	s.state = stateStreaming
	s.sessionID = init.SessionID
	if init.Model != "" {
		s.model = init.Model
	}
	s.out.Push(init)
	return true
}

// emit delivers a non-terminal event while streaming.
func (s *session) emit(e event.Event) bool {
	if event.IsTerminal(e) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateStreaming {
		return false
	}
	return s.out.Push(e)
}

// complete ends the stream successfully.
func (s *session) complete() {
	s.mu.Lock()
	usage := s.usage
	sid := s.sessionID
	s.mu.Unlock()
	r := event.Success(sid, &usage)
	s.finish(stateCompleted, r)
}

// fail ends the stream with err. If Interrupt was called the stream ends as
// interrupted regardless of err.
func (s *session) fail(err error) {
	s.mu.Lock()
	sid := s.sessionID
	usage := s.usage
	s.mu.Unlock()

	if s.interrupted.Load() {
		r := event.Failure(sid, interruptedMessage)
		r.Usage = &usage
		s.finish(stateInterrupted, r)
		return
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r := event.Failure(sid, msg)
	r.Usage = &usage
	s.finish(stateErrored, r)
}

// finish emits the single terminal Result and closes the stream. The first
// caller wins; later calls are ignored.
func (s *session) finish(next state, r event.Result) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.state == stateInit {
		// A stream that never opened still owes its consumer a SystemInit.
		s.out.Push(event.SystemInit{SessionID: s.sessionID, Model: s.model})
	}
	s.state = next
	r.DurationMS = time.Since(s.started).Milliseconds()
	s.out.Push(r)
	s.mu.Unlock()

	s.out.Close()
	s.cancel()
	s.logger.Debug("stream finished", "state", next.String(), "outcome", r.Outcome)
}

func (s *session) current() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) addUsage(u event.Usage) {
	s.mu.Lock()
	s.usage.Add(u)
	s.mu.Unlock()
}

func (s *session) settings() (model string, mode PermissionMode, thinking int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.mode, s.thinking
}

func (s *session) setModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}

func (s *session) setMode(mode PermissionMode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *session) setThinking(tokens int) {
	s.mu.Lock()
	s.thinking = tokens
	s.mu.Unlock()
}

// Events returns the stream as a sequence.
func (s *session) Events() iter.Seq[event.Event] {
	return s.out.All(context.Background())
}

// Interrupt cancels the in-flight call. The producer goroutine observes the
// cancellation at its next I/O checkpoint and ends the stream as interrupted.
func (s *session) Interrupt() error {
	if s.current().terminal() {
		return nil
	}
	s.interrupted.Store(true)
	s.cancel()
	return nil
}

// Close releases the query.
func (s *session) Close() error {
	s.cancel()
	return nil
}
