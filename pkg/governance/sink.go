package governance

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/telemetry/logging"
	"mercator-hq/aegis/pkg/telemetry/tracing"
)

// ErrSinkClosed is returned by a ChannelSink after Close.
var ErrSinkClosed = errors.New("intent sink closed")

// IntentSink consumes the non-terminal intents of an allowed step.
type IntentSink interface {
	Consume(ctx context.Context, intents []policy.Intent) error
}

// SinkFunc adapts a function to IntentSink.
type SinkFunc func(ctx context.Context, intents []policy.Intent) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, intents []policy.Intent) error {
	return f(ctx, intents)
}

// Delivery is a batch of intents handed to a channel consumer. TraceContext
// carries the producing span so the consumer can continue the trace.
type Delivery struct {
	RunID        string
	Intents      []policy.Intent
	TraceContext map[string]string
}

// ChannelSink hands intents to a consumer goroutine over a buffered channel.
// Consume blocks while the buffer is full, until ctx is done.
type ChannelSink struct {
	ch        chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelSink creates a sink with a buffer of size deliveries.
func NewChannelSink(size int) *ChannelSink {
	if size < 0 {
		size = 0
	}
	return &ChannelSink{
		ch:   make(chan Delivery, size),
		done: make(chan struct{}),
	}
}

// Consume enqueues the intents. Empty batches are dropped.
func (s *ChannelSink) Consume(ctx context.Context, intents []policy.Intent) error {
	if len(intents) == 0 {
		return nil
	}
	d := Delivery{
		RunID:        logging.GetRunID(ctx),
		Intents:      append([]policy.Intent(nil), intents...),
		TraceContext: make(map[string]string),
	}
	tracing.InjectToMap(ctx, d.TraceContext)

	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- d:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries returns the channel consumers read from. It is never closed;
// consumers stop on Done.
func (s *ChannelSink) Deliveries() <-chan Delivery {
	return s.ch
}

// Done is closed by Close.
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting intents. Buffered deliveries remain readable.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// LogSink writes every intent to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "governance.sink")}
}

// Consume logs the intents.
func (s *LogSink) Consume(ctx context.Context, intents []policy.Intent) error {
	for _, in := range intents {
		s.logger.InfoContext(ctx, "intent",
			"action", in.Action,
			"source_policy", in.SourcePolicy,
			"source_rule", in.SourceRule,
			"target", in.Target,
			"priority", in.Priority,
		)
	}
	return nil
}

// MultiSink fans intents out to every sink. All sinks are called; their
// errors are joined.
type MultiSink []IntentSink

// Consume passes intents to each sink in order.
func (m MultiSink) Consume(ctx context.Context, intents []policy.Intent) error {
	var errs []error
	for _, s := range m {
		if err := s.Consume(ctx, intents); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
