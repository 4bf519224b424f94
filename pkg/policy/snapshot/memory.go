package snapshot

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
)

// MemoryStore is an in-memory Store. Create calls for the same tenant
// serialize on a per-tenant lock; reads never see a half-applied
// supersession.
type MemoryStore struct {
	clock clock.Clock

	tenantLocks sync.Map // tenant ID → *sync.Mutex

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	active    map[string]string // tenant ID → snapshot ID
	versions  map[string]int64  // tenant ID → last issued version
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	s := &MemoryStore{clock: clock.OrDefault(clk)}
	s.Reset()
	return s
}

// Reset drops all snapshots. Tests use it to isolate cases.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]*Snapshot)
	s.active = make(map[string]string)
	s.versions = make(map[string]int64)
}

func (s *MemoryStore) tenantLock(tenantID string) *sync.Mutex {
	l, _ := s.tenantLocks.LoadOrStore(tenantID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, tenantID string, set *policy.Set, thresholds Thresholds, opts ...CreateOption) (*Snapshot, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := seal(set, thresholds)
	if err != nil {
		return nil, &StorageError{Backend: "memory", Operation: "create", Cause: err}
	}
	o := applyCreateOptions(opts)

	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock.Now()
	snap := &Snapshot{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		PoliciesPayload:   content.policies,
		ThresholdsPayload: content.thresholds,
		ContentHash:       content.contentHash,
		ThresholdHash:     content.thresholdHash,
		Status:            StatusActive,
		CreatedAt:         now,
		SourceRevision:    o.sourceRevision,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[tenantID]++
	snap.Version = s.versions[tenantID]
	if prevID, ok := s.active[tenantID]; ok {
		prev := s.snapshots[prevID]
		prev.Status = StatusSuperseded
		prev.SupersededAt = &now
	}
	s.snapshots[snap.ID] = snap
	s.active[tenantID] = snap.ID
	return snap.clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.clone(), nil
}

// Active implements Store.
func (s *MemoryStore) Active(_ context.Context, tenantID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[tenantID]
	if !ok {
		return nil, ErrNoActiveSnapshot
	}
	return s.snapshots[id].clone(), nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, tenantID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Snapshot
	for _, snap := range s.snapshots {
		if snap.TenantID == tenantID {
			out = append(out, snap.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Verify implements Store.
func (s *MemoryStore) Verify(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return false, ErrNotFound
	}
	if err := check(snap); err != nil {
		snap.Status = StatusInvalid
		if s.active[snap.TenantID] == id {
			delete(s.active, snap.TenantID)
		}
		return false, err
	}
	return true, nil
}

// Archive implements Store.
func (s *MemoryStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	if snap.Status != StatusSuperseded {
		return &TransitionError{SnapshotID: id, Operation: "archive", Status: snap.Status}
	}
	now := s.clock.Now()
	snap.Status = StatusArchived
	snap.ArchivedAt = &now
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	if snap.Status != StatusArchived {
		return &TransitionError{SnapshotID: id, Operation: "delete", Status: snap.Status}
	}
	delete(s.snapshots, id)
	return nil
}

// Amend implements Store.
func (s *MemoryStore) Amend(_ context.Context, id, field string, _ any) error {
	s.mu.RLock()
	_, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return &ImmutabilityViolationError{SnapshotID: id, Field: field}
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
