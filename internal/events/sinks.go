package events

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed is returned by ChannelSink.Send after Close.
var ErrSinkClosed = errors.New("event sink closed")

// ChannelSink delivers events on a bounded channel. Send blocks while the
// buffer is full, preserving order, until the context ends or the sink is
// closed.
type ChannelSink struct {
	ch        chan Event
	done      chan struct{}
	mu        sync.RWMutex
	closeOnce sync.Once
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Event, size), done: make(chan struct{})}
}

// Events returns the receive side. It is closed after Close.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Send implements Sink.
func (s *ChannelSink) Send(ctx context.Context, e Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- e:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops delivery and closes the Events channel. Safe to call twice.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// 等待进行中的 Send 退出后再关闭数据通道。
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// Recorder keeps every event in memory. Used by the HTTP API to return the
// ordered log with the result, and by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Send implements Sink.
func (r *Recorder) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// MultiSink forwards each event to every sink in order. All sinks are tried;
// their errors are joined.
type MultiSink []Sink

// Send implements Sink.
func (m MultiSink) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
