package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/aegis/pkg/audit"
)

// MemoryStorage implements audit.Store in memory. It is meant for tests and
// single-process deployments.
type MemoryStorage struct {
	mu           sync.RWMutex
	expectations map[string][]audit.Expectation // run ID → declared order
	acks         map[string][]audit.DomainAck
	signals      map[string]*audit.ThresholdSignal
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{}
	s.Reset()
	return s
}

// Reset drops all data. Tests use it to isolate cases.
func (s *MemoryStorage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectations = make(map[string][]audit.Expectation)
	s.acks = make(map[string][]audit.DomainAck)
	s.signals = make(map[string]*audit.ThresholdSignal)
}

// AddExpectations implements audit.Store.
func (s *MemoryStorage) AddExpectations(_ context.Context, runID string, expectations []audit.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, e := range s.expectations[runID] {
		seen[e.Key()] = true
	}
	for _, e := range expectations {
		e.RunID = runID
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		s.expectations[runID] = append(s.expectations[runID], e)
	}
	return nil
}

// AddAck implements audit.Store.
func (s *MemoryStorage) AddAck(_ context.Context, runID string, ack audit.DomainAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack.RunID = runID
	s.acks[runID] = append(s.acks[runID], ack)
	return nil
}

// Expectations implements audit.Store.
func (s *MemoryStorage) Expectations(_ context.Context, runID string) ([]audit.Expectation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Expectation(nil), s.expectations[runID]...), nil
}

// Acks implements audit.Store.
func (s *MemoryStorage) Acks(_ context.Context, runID string) ([]audit.DomainAck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.DomainAck(nil), s.acks[runID]...), nil
}

// AddSignal implements audit.Store.
func (s *MemoryStorage) AddSignal(_ context.Context, signal *audit.ThresholdSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[signal.SignalID]; ok {
		return &audit.ImmutabilityViolationError{SignalID: signal.SignalID, Field: "signal_id"}
	}
	s.signals[signal.SignalID] = copySignal(signal)
	return nil
}

// GetSignal implements audit.Store.
func (s *MemoryStorage) GetSignal(_ context.Context, signalID string) (*audit.ThresholdSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return nil, audit.ErrNotFound
	}
	return copySignal(sig), nil
}

// Signals implements audit.Store.
func (s *MemoryStorage) Signals(_ context.Context, q *audit.SignalQuery) ([]*audit.ThresholdSignal, error) {
	if q == nil {
		q = &audit.SignalQuery{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*audit.ThresholdSignal
	for _, sig := range s.signals {
		if matchesQuery(sig, q) {
			results = append(results, copySignal(sig))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return results[i].SignalID < results[j].SignalID
	})

	start := q.Offset
	if start > len(results) {
		return []*audit.ThresholdSignal{}, nil
	}
	results = results[start:]
	if q.Limit > 0 && q.Limit < len(results) {
		results = results[:q.Limit]
	}
	return results, nil
}

func matchesQuery(sig *audit.ThresholdSignal, q *audit.SignalQuery) bool {
	if q.RunID != "" && sig.RunID != q.RunID {
		return false
	}
	if q.TenantID != "" && sig.TenantID != q.TenantID {
		return false
	}
	if q.Type != "" && sig.Type != q.Type {
		return false
	}
	if q.Metric != "" && sig.Metric != q.Metric {
		return false
	}
	if q.Unacknowledged && sig.Acknowledged {
		return false
	}
	if q.StartTime != nil && sig.CreatedAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && sig.CreatedAt.After(*q.EndTime) {
		return false
	}
	return true
}

// AcknowledgeSignal implements audit.Store.
func (s *MemoryStorage) AcknowledgeSignal(_ context.Context, signalID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return audit.ErrNotFound
	}
	if sig.Acknowledged {
		return &audit.ImmutabilityViolationError{SignalID: signalID, Field: "acknowledged"}
	}
	sig.Acknowledged = true
	sig.AcknowledgedBy = by
	sig.AcknowledgedAt = &at
	return nil
}

// Prune implements audit.Store.
func (s *MemoryStorage) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for runID, exps := range s.expectations {
		kept := exps[:0]
		for _, e := range exps {
			if e.Deadline.Before(before) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		s.expectations[runID] = kept
		if len(kept) == 0 {
			delete(s.expectations, runID)
		}
	}
	for runID, acks := range s.acks {
		kept := acks[:0]
		for _, a := range acks {
			if a.AckedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, a)
		}
		s.acks[runID] = kept
		if len(kept) == 0 {
			delete(s.acks, runID)
		}
	}
	for id, sig := range s.signals {
		if sig.Acknowledged && sig.CreatedAt.Before(before) {
			delete(s.signals, id)
			n++
		}
	}
	return n, nil
}

// Close implements audit.Store.
func (s *MemoryStorage) Close() error {
	return nil
}

func copySignal(sig *audit.ThresholdSignal) *audit.ThresholdSignal {
	c := *sig
	if sig.AcknowledgedAt != nil {
		t := *sig.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	return &c
}
