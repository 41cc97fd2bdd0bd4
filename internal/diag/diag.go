// Package diag is the structured diagnostics facility injected into
// lowering. Topics replace ad hoc debug switches: a message is logged only
// when its topic is enabled.
package diag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// Topic names a diagnostics stream.
type Topic string

const (
	TopicFnAssign     Topic = "fn-assign"
	TopicDynAssign    Topic = "dyn-assign"
	TopicReturnAssign Topic = "return-assign"
	TopicScalarAssign Topic = "scalar-assign"
	TopicWide         Topic = "wide"
	TopicDecimal      Topic = "decimal"
	TopicClassify     Topic = "classify"
)

// AllTopics lists every known topic in a stable order.
func AllTopics() []Topic {
	return []Topic{
		TopicFnAssign, TopicDynAssign, TopicReturnAssign, TopicScalarAssign,
		TopicWide, TopicDecimal, TopicClassify,
	}
}

// Known reports whether name is a known topic.
func Known(name string) bool {
	return slices.Contains(AllTopics(), Topic(name))
}

// Facility routes topic-tagged messages to a slog.Logger. The zero value
// and a nil *Facility discard everything. A Facility is safe for
// concurrent use.
type Facility struct {
	logger  *slog.Logger
	enabled map[Topic]bool
}

// Nop returns a facility that discards everything.
func Nop() *Facility {
	return &Facility{}
}

// New returns a facility logging the given topics to logger.
func New(logger *slog.Logger, topics ...Topic) *Facility {
	f := &Facility{logger: logger, enabled: make(map[Topic]bool, len(topics))}
	for _, t := range topics {
		f.enabled[t] = true
	}
	return f
}

// NewText logs topics as text to w at debug level.
func NewText(w io.Writer, topics ...Topic) *Facility {
	return New(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})), topics...)
}

// NewJSON logs topics as JSON to w at debug level.
func NewJSON(w io.Writer, topics ...Topic) *Facility {
	return New(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})), topics...)
}

// Enabled reports whether topic is logged.
func (f *Facility) Enabled(topic Topic) bool {
	return f != nil && f.logger != nil && f.enabled[topic]
}

// Trace logs msg under topic with structured attributes.
func (f *Facility) Trace(topic Topic, msg string, args ...any) {
	if !f.Enabled(topic) {
		return
	}
	f.logger.Debug(msg, append([]any{slog.String("topic", string(topic))}, args...)...)
}

// Record is one captured diagnostics message.
type Record struct {
	Topic   string
	Message string
	Attrs   map[string]string
}

// Recorder is a slog.Handler that keeps records in memory, for tests and
// for persisting diagnostics with a lowering run.
type Recorder struct {
	log   *recordLog
	attrs []slog.Attr
}

type recordLog struct {
	mu      sync.Mutex
	records []Record
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{log: &recordLog{}}
}

func (r *Recorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	out := Record{Message: rec.Message, Attrs: make(map[string]string)}
	add := func(a slog.Attr) bool {
		if a.Key == "topic" {
			out.Topic = a.Value.String()
		} else {
			out.Attrs[a.Key] = a.Value.String()
		}
		return true
	}
	for _, a := range r.attrs {
		add(a)
	}
	rec.Attrs(add)
	r.log.mu.Lock()
	r.log.records = append(r.log.records, out)
	r.log.mu.Unlock()
	return nil
}

func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Recorder{log: r.log, attrs: append(slices.Clone(r.attrs), attrs...)}
}

func (r *Recorder) WithGroup(string) slog.Handler { return r }

// Records returns a copy of everything captured so far.
func (r *Recorder) Records() []Record {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return slices.Clone(r.log.records)
}

// Topic returns the captured records for topic.
func (r *Recorder) Topic(topic Topic) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Topic == string(topic) {
			out = append(out, rec)
		}
	}
	return out
}

// fanout delivers every record to each handler that accepts it.
type fanout []slog.Handler

// Fanout returns a handler that forwards records to all of handlers, e.g.
// a Recorder for the store and a text handler for the terminal.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return fanout(handlers)
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, rec.Level) {
			if err := h.Handle(ctx, rec.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
