package override

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu          sync.RWMutex
	authorities map[string]*Authority
	records     map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.Reset()
	return s
}

// Reset drops all authorities and records. Tests use it to isolate cases.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorities = make(map[string]*Authority)
	s.records = make(map[string]*Record)
}

func authorityKey(tenantID, policyID string) string {
	return tenantID + "\x00" + policyID
}

// PutConfig implements Store.
func (s *MemoryStore) PutConfig(_ context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.AllowedRoles = append([]string(nil), cfg.AllowedRoles...)

	s.mu.Lock()
	defer s.mu.Unlock()
	key := authorityKey(cfg.TenantID, cfg.PolicyID)
	if a, ok := s.authorities[key]; ok {
		a.Config = cfg
		return nil
	}
	s.authorities[key] = &Authority{Config: cfg}
	return nil
}

// GetAuthority implements Store.
func (s *MemoryStore) GetAuthority(_ context.Context, tenantID, policyID string) (*Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authorities[authorityKey(tenantID, policyID)]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// ListAuthorities implements Store.
func (s *MemoryStore) ListAuthorities(_ context.Context, tenantID string) ([]*Authority, error) {
	return s.list(func(a *Authority) bool { return a.TenantID == tenantID }), nil
}

// ListOverridden implements Store.
func (s *MemoryStore) ListOverridden(_ context.Context) ([]*Authority, error) {
	return s.list(func(a *Authority) bool { return a.CurrentlyOverridden }), nil
}

func (s *MemoryStore) list(keep func(*Authority) bool) []*Authority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Authority
	for _, a := range s.authorities {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	return out
}

// CommitActivation implements Store.
func (s *MemoryStore) CommitActivation(_ context.Context, a *Authority, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.authorities[authorityKey(a.TenantID, a.PolicyID)]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.records[r.RecordID]; ok {
		return &ImmutabilityViolationError{RecordID: r.RecordID, Field: "record_id"}
	}
	s.records[r.RecordID] = r.clone()
	stored.setState(a)
	return nil
}

// CommitEnd implements Store.
func (s *MemoryStore) CommitEnd(_ context.Context, a *Authority, recordID string, end End) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.authorities[authorityKey(a.TenantID, a.PolicyID)]
	if !ok {
		return ErrNotFound
	}
	if recordID != "" {
		r, ok := s.records[recordID]
		if !ok {
			return ErrNotFound
		}
		if r.Ended() {
			return &ImmutabilityViolationError{RecordID: recordID, Field: "ended_at"}
		}
		at := end.At
		r.EndedAt = &at
		r.WasManuallyEnded = end.Manual
		r.EndedBy = end.By
	}
	stored.setState(a)
	return nil
}

// ResetDailyCounters implements Store.
func (s *MemoryStore) ResetDailyCounters(_ context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.authorities {
		if a.CounterDay != day {
			a.CounterDay = day
			a.OverridesToday = 0
			n++
		}
	}
	return n, nil
}

// GetRecord implements Store.
func (s *MemoryStore) GetRecord(_ context.Context, recordID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

// Records implements Store.
func (s *MemoryStore) Records(_ context.Context, tenantID, policyID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.TenantID == tenantID && r.PolicyID == policyID {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

// AmendRecord implements Store.
func (s *MemoryStore) AmendRecord(_ context.Context, recordID, field string, _ any) error {
	s.mu.RLock()
	_, ok := s.records[recordID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return &ImmutabilityViolationError{RecordID: recordID, Field: field}
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
