package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mercator-hq/aegis/pkg/clock"
)

// Compare reconciles expectations against acks at time now. Drift entries
// are "domain:action" followed by the kind of drift.
func Compare(runID string, expectations []Expectation, acks []DomainAck, now time.Time) *Reconciliation {
	declared := make(map[string]Expectation, len(expectations))
	for _, e := range expectations {
		if _, ok := declared[e.Key()]; !ok {
			declared[e.Key()] = e
		}
	}

	answered := make(map[string]bool, len(acks))
	var drift []string
	for _, a := range acks {
		key := a.Key()
		if a.Domain == DomainRun && a.Action == ActionFinalizeRun {
			continue
		}
		exp, ok := declared[key]
		switch {
		case !ok:
			drift = append(drift, key+" (unexpected)")
		case !a.Succeeded():
			drift = append(drift, key+" (failed: "+a.Error+")")
		case !exp.Deadline.IsZero() && a.AckedAt.After(exp.Deadline):
			drift = append(drift, key+" (late)")
		}
		answered[key] = true
	}

	var missing []string
	for key := range declared {
		if !answered[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(drift)

	r := &Reconciliation{
		RunID:          runID,
		MissingActions: missing,
		DriftActions:   drift,
		CheckedAt:      now,
	}
	switch {
	case len(missing) > 0:
		r.Status = ReconcileMissing
	case len(drift) > 0:
		r.Status = ReconcileDrift
	default:
		r.Status = ReconcileClean
		r.IsClean = true
	}
	return r
}

// StoreReconciler reconciles runs against a Store.
type StoreReconciler struct {
	store Store
	clock clock.Clock
}

// NewStoreReconciler creates a reconciler reading from store.
func NewStoreReconciler(store Store, clk clock.Clock) *StoreReconciler {
	return &StoreReconciler{store: store, clock: clock.OrDefault(clk)}
}

// Reconcile implements Reconciler.
func (r *StoreReconciler) Reconcile(ctx context.Context, runID string) (*Reconciliation, error) {
	expectations, err := r.store.Expectations(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load expectations: %w", err)
	}
	acks, err := r.store.Acks(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load acks: %w", err)
	}
	return Compare(runID, expectations, acks, r.clock.Now()), nil
}
