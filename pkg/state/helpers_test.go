package state_test

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/vadosdog/multipleWebSocketServer/pkg/auth"
	"github.com/vadosdog/multipleWebSocketServer/pkg/state"
)

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeSocket records what the client writes and how often it is closed.
type fakeSocket struct {
	id uuid.UUID

	mu      sync.Mutex
	sent    [][]byte
	closes  int
	reason  error
	sendErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{id: uuid.New()}
}

func (s *fakeSocket) ID() uuid.UUID {
	return s.id
}

func (s *fakeSocket) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSocket) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		s.reason = err
	}
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSocket) closeReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *fakeSocket) failSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSocket) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = string(m)
	}
	return out
}

// gateFunc adapts a function to auth.Gate.
type gateFunc func(ctx context.Context, credential string, subject auth.Subject) bool

func (f gateFunc) Check(ctx context.Context, credential string, subject auth.Subject) bool {
	return f(ctx, credential, subject)
}

// blockingGate holds every check until a result is pushed on release.
type blockingGate struct {
	release chan bool
	calls   chan string
}

func newBlockingGate() *blockingGate {
	return &blockingGate{release: make(chan bool, 8), calls: make(chan string, 8)}
}

func (g *blockingGate) Check(_ context.Context, credential string, _ auth.Subject) bool {
	g.calls <- credential
	return <-g.release
}

// recorder collects events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []state.Event
}

func (r *recorder) handle(ev state.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ state.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ state.EventType) (state.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return state.Event{}, false
}

func newTestChannel(template string, opts state.ChannelOptions) (*state.Channel, *recorder) {
	ch, err := state.NewChannel(newTestLogger(), template, opts)
	if err != nil {
		panic(err)
	}
	rec := &recorder{}
	ch.OnEvent(rec.handle)
	return ch, rec
}
