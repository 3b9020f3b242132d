package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Intent/pkg/logger"
)

// Emitter stamps events with a run-scoped sequence number and forwards them
// to a sink. It is owned by a single run and is not safe for concurrent use.
type Emitter struct {
	sink   Sink
	log    *slog.Logger
	runID  string
	seq    int
	now    func() time.Time
	failed int
}

// NewEmitter creates an emitter. A nil sink discards events and a nil logger
// logs nothing.
func NewEmitter(sink Sink, log *slog.Logger, runID string) *Emitter {
	if sink == nil {
		sink = Discard
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Emitter{sink: sink, log: log, runID: runID, now: time.Now}
}

// Emit builds and sends one event. It never returns an error and never panics.
func (e *Emitter) Emit(ctx context.Context, kind Kind, data map[string]any) {
	if e == nil {
		return
	}
	e.seq++
	ev := Event{RunID: e.runID, Seq: e.seq, Kind: kind, Data: data, Timestamp: e.now()}
	if err := e.send(ctx, ev); err != nil {
		e.failed++
		e.log.Warn("event sink failed",
			slog.String("run_id", e.runID),
			slog.String("kind", string(kind)),
			slog.Int("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// Failures returns how many sends failed during the run.
func (e *Emitter) Failures() int {
	if e == nil {
		return 0
	}
	return e.failed
}

func (e *Emitter) send(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return e.sink.Send(ctx, ev)
}
