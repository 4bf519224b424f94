package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Actions recorded on signals.
const (
	ActionNotify = "notify"
	ActionDeny   = "deny"
)

// ThresholdConfig controls signal generation.
type ThresholdConfig struct {
	// NearRatio is the fraction of a threshold at which a near signal is
	// raised. Default: 0.8
	NearRatio float64 `yaml:"near_ratio"`

	// NearAction is recorded on near signals. Default: "notify"
	NearAction string `yaml:"near_action"`

	// BreachAction is recorded on breach signals. Default: "deny"
	BreachAction string `yaml:"breach_action"`
}

// ApplyDefaults fills unset fields.
func (c *ThresholdConfig) ApplyDefaults() {
	if c.NearRatio == 0 {
		c.NearRatio = 0.8
	}
	if c.NearAction == "" {
		c.NearAction = ActionNotify
	}
	if c.BreachAction == "" {
		c.BreachAction = ActionDeny
	}
}

// Validate checks the configuration.
func (c *ThresholdConfig) Validate() error {
	if c.NearRatio <= 0 || c.NearRatio > 1 {
		return fmt.Errorf("near_ratio must be in (0, 1], got %v", c.NearRatio)
	}
	return nil
}

// SignalSource identifies where signals come from.
type SignalSource struct {
	RunID      string
	TenantID   string
	PolicyID   string
	SnapshotID string
}

// EvaluateThresholds compares metrics with thresholds. A value at or above
// its threshold is a breach; at or above NearRatio of it, a near signal.
// Thresholds that are not positive, and metrics without a threshold, are
// ignored. Signals are ordered by metric name.
func EvaluateThresholds(src SignalSource, metrics, thresholds map[string]float64, cfg ThresholdConfig, now time.Time) []*ThresholdSignal {
	cfg.ApplyDefaults()

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*ThresholdSignal
	for _, name := range names {
		limit, ok := thresholds[name]
		if !ok || limit <= 0 {
			continue
		}
		value := metrics[name]

		var typ SignalType
		var action string
		switch {
		case value >= limit:
			typ, action = SignalBreach, cfg.BreachAction
		case value >= limit*cfg.NearRatio:
			typ, action = SignalNear, cfg.NearAction
		default:
			continue
		}

		out = append(out, &ThresholdSignal{
			SignalID:       uuid.NewString(),
			RunID:          src.RunID,
			TenantID:       src.TenantID,
			PolicyID:       src.PolicyID,
			SnapshotID:     src.SnapshotID,
			Type:           typ,
			Metric:         name,
			CurrentValue:   value,
			ThresholdValue: limit,
			ActionTaken:    action,
			CreatedAt:      now,
		})
	}
	return out
}

// Breached returns the breach signals among signals.
func Breached(signals []*ThresholdSignal) []*ThresholdSignal {
	var out []*ThresholdSignal
	for _, s := range signals {
		if s.Type == SignalBreach {
			out = append(out, s)
		}
	}
	return out
}
