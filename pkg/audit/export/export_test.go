package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"mercator-hq/aegis/pkg/audit"
)

func testSignals() []*audit.ThresholdSignal {
	acked := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return []*audit.ThresholdSignal{
		{
			SignalID: "s1", RunID: "run-1", TenantID: "acme", Type: audit.SignalNear,
			Metric: "tokens", CurrentValue: 850, ThresholdValue: 1000, ActionTaken: audit.ActionNotify,
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			SignalID: "s2", RunID: "run-1", TenantID: "acme", Type: audit.SignalBreach,
			Metric: "cost_usd", CurrentValue: 12.5, ThresholdValue: 10, ActionTaken: audit.ActionDeny,
			CreatedAt:    time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
			Acknowledged: true, AcknowledgedBy: "alice", AcknowledgedAt: &acked,
		},
	}
}

func TestJSONExporter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSONExporter(true).Export(context.Background(), testSignals(), &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(decoded) != 2 || decoded[1]["acknowledged_by"] != "alice" {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestJSONExporter_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSONExporter(false).Export(context.Background(), nil, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := bytes.TrimSpace(buf.Bytes()); string(got) != "[]" {
		t.Errorf("empty export = %q, want []", got)
	}
}

func TestJSONExporter_Reconciliation(t *testing.T) {
	r := audit.Compare("run-1", []audit.Expectation{{Domain: "d", Action: "a"}}, nil, time.Now())
	var buf bytes.Buffer
	if err := NewJSONExporter(false).ExportReconciliation(context.Background(), r, &buf); err != nil {
		t.Fatalf("ExportReconciliation: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"status":"MISSING"`)) {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestCSVExporter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewCSVExporter(true).Export(context.Background(), testSignals(), &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "signal_id" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[2][7] != "12.5" || rows[2][11] != "true" || rows[2][13] != "2026-03-02T09:00:00Z" {
		t.Errorf("breach row = %v", rows[2])
	}
	if rows[1][13] != "" {
		t.Errorf("unacknowledged row should have empty acknowledged_at: %v", rows[1])
	}
}
