package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
)

// ErrNoCheckScope is returned when a CheckPolicy runs outside an evaluation
// bound to a snapshot.
var ErrNoCheckScope = errors.New("check_policy outside a bound evaluation")

// checkScope is the snapshot and input a CheckPolicy resolves against.
type checkScope struct {
	snapshotID string
	set        *policy.Set
	input      engine.Input
	depth      int
}

type checkScopeKey struct{}

func withCheckScope(ctx context.Context, scope *checkScope) context.Context {
	return context.WithValue(ctx, checkScopeKey{}, scope)
}

// SnapshotValidator answers CheckPolicy by evaluating the referenced policy
// from the snapshot the calling step is bound to. The checked policy sees
// the step's input; a map passed by the instruction replaces its request.
// The check passes only on an ALLOW decision. Intents the checked policy
// emits are discarded.
type SnapshotValidator struct {
	engine   *engine.Engine
	maxDepth int
}

// NewPolicyEngine creates an engine whose CheckPolicy instructions are
// answered by a SnapshotValidator over the same engine. Checks nest at
// most the engine's MaxCallDepth deep.
func NewPolicyEngine(config *engine.Config, logger *slog.Logger) (*engine.Engine, error) {
	v := &SnapshotValidator{}
	eng, err := engine.New(config, v, logger)
	if err != nil {
		return nil, err
	}
	v.engine = eng
	v.maxDepth = eng.Config().MaxCallDepth
	return eng, nil
}

// Validate implements engine.PolicyValidator.
func (v *SnapshotValidator) Validate(ctx context.Context, policyID string, input any) (engine.Validation, error) {
	scope, ok := ctx.Value(checkScopeKey{}).(*checkScope)
	if !ok || scope.set == nil {
		return engine.Validation{}, ErrNoCheckScope
	}
	if scope.depth >= v.maxDepth {
		return engine.Validation{}, fmt.Errorf("check_policy %s: nested more than %d deep", policyID, v.maxDepth)
	}
	p, ok := scope.set.Policy(policyID)
	if !ok {
		return engine.Validation{}, fmt.Errorf("check_policy: policy %q not in snapshot %s", policyID, scope.snapshotID)
	}

	in := scope.input
	switch x := input.(type) {
	case nil:
	case map[string]any:
		in.Request = x
	default:
		return engine.Validation{}, fmt.Errorf("check_policy %s: input must be a map, got %T", policyID, input)
	}

	res, err := v.engine.EvaluatePolicy(withCheckScope(ctx, &checkScope{
		snapshotID: scope.snapshotID,
		set:        scope.set,
		input:      in,
		depth:      scope.depth + 1,
	}), p, in)
	if err != nil {
		return engine.Validation{}, err
	}
	if res.Abstained() {
		return engine.Validation{Reason: "abstained"}, nil
	}
	d := res.Decision
	return engine.Validation{
		Allowed: d.Action == policy.ActionAllow,
		Reason:  fmt.Sprintf("%s by %s", d.Action, d.SourceRule),
	}, nil
}
