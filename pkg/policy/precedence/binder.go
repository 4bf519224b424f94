package precedence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
)

// ErrNotStarted is returned by ForStep before Start.
var ErrNotStarted = errors.New("binder not started")

// SetProvider returns the policy set of a tenant's ACTIVE snapshot together
// with the snapshot ID. Implementations must return a set from a single
// snapshot, never one observed mid-supersession.
type SetProvider interface {
	ActiveSet(ctx context.Context, tenantID string) (*policy.Set, string, error)
}

// Binding is the resolved policy set a step executes against.
type Binding struct {
	SnapshotID string
	Set        *policy.Set
	Resolution *Resolution
}

// Binder freezes a run's policy ordering according to bind_at:
// run_start binds once at Start, first_token binds on the first step, and
// each_step re-resolves against the ACTIVE snapshot before every step.
// One Binder serves one run.
type Binder struct {
	resolver *Resolver
	provider SetProvider
	subject  policy.Subject
	clock    clock.Clock

	mu     sync.Mutex
	bound  *Binding
	frozen bool
	steps  int
}

// NewBinder creates a binder for the run identified by subject.
func NewBinder(resolver *Resolver, provider SetProvider, subject policy.Subject, clk clock.Clock) *Binder {
	return &Binder{
		resolver: resolver,
		provider: provider,
		subject:  subject,
		clock:    clock.OrDefault(clk),
	}
}

// Start performs the run-start resolution.
func (b *Binder) Start(ctx context.Context) (*Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bound, err := b.resolve(ctx)
	if err != nil {
		return nil, err
	}
	b.bound = bound
	b.frozen = bound.Resolution.BindAt == policy.BindRunStart
	return bound, nil
}

// ForStep returns the binding for the next execution step.
func (b *Binder) ForStep(ctx context.Context) (*Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bound == nil {
		return nil, ErrNotStarted
	}
	b.steps++
	if b.frozen {
		return b.bound, nil
	}

	bound, err := b.resolve(ctx)
	if err != nil {
		return nil, err
	}
	b.bound = bound
	// first_token freezes on the first step; each_step never freezes unless
	// the live set stops asking for it.
	b.frozen = bound.Resolution.BindAt != policy.BindEachStep
	return bound, nil
}

// Current returns the latest binding without resolving.
func (b *Binder) Current() *Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

// Steps returns how many steps have been bound.
func (b *Binder) Steps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps
}

func (b *Binder) resolve(ctx context.Context) (*Binding, error) {
	set, snapshotID, err := b.provider.ActiveSet(ctx, b.subject.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load active policy set for tenant %q: %w", b.subject.TenantID, err)
	}
	return &Binding{
		SnapshotID: snapshotID,
		Set:        set,
		Resolution: b.resolver.Resolve(set, b.subject, b.clock.Now()),
	}, nil
}
