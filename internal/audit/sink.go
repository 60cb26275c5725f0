package audit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tenantgate.org/internal/obs"
)

// Sink persists audit records. Write returns only after the record is durable for the
// sink's definition of durable.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

// LogSink writes records as structured audit log lines.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink over l, or the shared logger when l is nil.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = obs.Logger()
	}
	return &LogSink{log: l}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	return logEvent(s.log, ctx, "auth."+string(rec.Action), rec.Fields())
}

// Tee writes every record to all sinks in order and stops at the first failure.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, rec Record) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Write(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recorder keeps records in memory. It backs tests and single-process setups.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	fail    error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Write(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if rec.ID == "" {
		return errors.New("audit: record id is required")
	}
	r.records = append(r.records, rec)
	return nil
}

// FailWith makes subsequent writes fail with err. Nil restores normal behavior.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Records returns a copy of everything written so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// ByAction returns the written records with action a.
func (r *Recorder) ByAction(a Action) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Action == a {
			out = append(out, rec)
		}
	}
	return out
}
