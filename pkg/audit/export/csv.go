package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"mercator-hq/aegis/pkg/audit"
)

// CSVExporter exports threshold signals as CSV, one row per signal.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

var csvHeader = []string{
	"signal_id", "run_id", "tenant_id", "policy_id", "snapshot_id",
	"signal_type", "metric", "current_value", "threshold_value", "action_taken",
	"created_at", "acknowledged", "acknowledged_by", "acknowledged_at",
}

// Export writes signals to w.
func (e *CSVExporter) Export(_ context.Context, signals []*audit.ThresholdSignal, w io.Writer) error {
	writer := csv.NewWriter(w)
	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return &Error{Format: "csv", Count: len(signals), Cause: err}
		}
	}
	for _, s := range signals {
		if err := writer.Write(signalRow(s)); err != nil {
			return &Error{Format: "csv", Count: len(signals), Cause: err}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return &Error{Format: "csv", Count: len(signals), Cause: err}
	}
	return nil
}

func signalRow(s *audit.ThresholdSignal) []string {
	ackedAt := ""
	if s.AcknowledgedAt != nil {
		ackedAt = s.AcknowledgedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		s.SignalID,
		s.RunID,
		s.TenantID,
		s.PolicyID,
		s.SnapshotID,
		string(s.Type),
		s.Metric,
		strconv.FormatFloat(s.CurrentValue, 'f', -1, 64),
		strconv.FormatFloat(s.ThresholdValue, 'f', -1, 64),
		s.ActionTaken,
		s.CreatedAt.UTC().Format(time.RFC3339Nano),
		strconv.FormatBool(s.Acknowledged),
		s.AcknowledgedBy,
		ackedAt,
	}
}
