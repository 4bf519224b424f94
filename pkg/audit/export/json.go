package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"mercator-hq/aegis/pkg/audit"
)

// JSONExporter exports threshold signals as a JSON array.
type JSONExporter struct {
	// Pretty enables pretty-printing with indentation.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes signals to w. An empty input produces "[]".
func (e *JSONExporter) Export(_ context.Context, signals []*audit.ThresholdSignal, w io.Writer) error {
	if signals == nil {
		signals = []*audit.ThresholdSignal{}
	}
	if err := e.encode(signals, w); err != nil {
		return &Error{Format: "json", Count: len(signals), Cause: err}
	}
	return nil
}

// ExportReconciliation writes a single reconciliation result as JSON.
func (e *JSONExporter) ExportReconciliation(_ context.Context, r *audit.Reconciliation, w io.Writer) error {
	if err := e.encode(r, w); err != nil {
		return &Error{Format: "json", Count: 1, Cause: err}
	}
	return nil
}

func (e *JSONExporter) encode(v any, w io.Writer) error {
	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// Error is returned when an export fails.
type Error struct {
	Format string
	Count  int
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("export %s failed (%d items): %v", e.Format, e.Count, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}
