package snapshot

import (
	"context"

	"mercator-hq/aegis/pkg/policy"
)

// Provider exposes a Store's ACTIVE snapshots as policy sets. It satisfies
// precedence.SetProvider.
type Provider struct {
	Store Store

	// Verify re-derives the content hash of the ACTIVE snapshot before its
	// policies are returned. A mismatch marks it INVALID and fails the read.
	Verify bool
}

// NewProvider returns a Provider reading from store.
func NewProvider(store Store) *Provider {
	return &Provider{Store: store}
}

// ActiveSet returns the decoded policy set of the tenant's ACTIVE snapshot
// and its ID. The set is decoded from a single read, so it never mixes two
// versions.
func (p *Provider) ActiveSet(ctx context.Context, tenantID string) (*policy.Set, string, error) {
	snap, err := p.Store.Active(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	if p.Verify {
		if _, err := p.Store.Verify(ctx, snap.ID); err != nil {
			return nil, "", err
		}
	}
	set, err := snap.PolicySet()
	if err != nil {
		return nil, "", err
	}
	return set, snap.ID, nil
}

// ActiveThresholds returns the thresholds of the tenant's ACTIVE snapshot
// and its ID.
func (p *Provider) ActiveThresholds(ctx context.Context, tenantID string) (Thresholds, string, error) {
	snap, err := p.Store.Active(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	t, err := snap.Thresholds()
	if err != nil {
		return nil, "", err
	}
	return t, snap.ID, nil
}
