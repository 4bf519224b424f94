package governance

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/telemetry/logging"
)

var page = policy.Intent{Action: policy.ActionExecute, SourcePolicy: "notify", SourceRule: "page", Target: "pager"}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(1)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = logging.WithRunID(ctx, "run-1")

	if err := sink.Consume(ctx, nil); err != nil {
		t.Fatalf("Consume(nil) error = %v", err)
	}
	if err := sink.Consume(ctx, []policy.Intent{page}); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	d := <-sink.Deliveries()
	if d.RunID != "run-1" || len(d.Intents) != 1 || d.Intents[0].Target != "pager" {
		t.Errorf("delivery = %+v", d)
	}
	if tp := d.TraceContext["traceparent"]; !strings.Contains(tp, traceID.String()) {
		t.Errorf("traceparent = %q, want trace %s", tp, traceID)
	}
}

func TestChannelSink_Backpressure(t *testing.T) {
	sink := NewChannelSink(1)
	if err := sink.Consume(context.Background(), []policy.Intent{page}); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Consume(ctx, []policy.Intent{page}); !errors.Is(err, context.Canceled) {
		t.Errorf("Consume() on full buffer error = %v, want context.Canceled", err)
	}

	sink.Close()
	sink.Close()
	if err := sink.Consume(context.Background(), []policy.Intent{page}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Consume() after Close error = %v, want ErrSinkClosed", err)
	}
	select {
	case <-sink.Done():
	default:
		t.Error("Done should be closed")
	}
	if got := len(sink.Deliveries()); got != 1 {
		t.Errorf("buffered deliveries = %d, want 1", got)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	if err := sink.Consume(context.Background(), []policy.Intent{page, page}); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	out := buf.String()
	if strings.Count(out, "msg=intent") != 2 {
		t.Errorf("expected two intent records, got:\n%s", out)
	}
	if !strings.Contains(out, "target=pager") || !strings.Contains(out, "component=governance.sink") {
		t.Errorf("record missing fields:\n%s", out)
	}
}

func TestMultiSink(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	var calls []string
	record := func(name string, err error) IntentSink {
		return SinkFunc(func(context.Context, []policy.Intent) error {
			calls = append(calls, name)
			return err
		})
	}

	m := MultiSink{record("a", errA), record("ok", nil), record("b", errB)}
	err := m.Consume(context.Background(), []policy.Intent{page})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Consume() error = %v, want both sink errors", err)
	}
	if strings.Join(calls, ",") != "a,ok,b" {
		t.Errorf("calls = %v, every sink should be called in order", calls)
	}

	if err := (MultiSink{}).Consume(context.Background(), []policy.Intent{page}); err != nil {
		t.Errorf("empty MultiSink error = %v", err)
	}
}
