package precedence

import (
	"fmt"

	"mercator-hq/aegis/pkg/policy"
)

// Outcome is what evaluating one bound policy produced. A nil Intent with
// a nil Err is an abstention.
type Outcome struct {
	Intent *policy.Intent
	Err    error
}

// Vote is a decision contributed by one policy.
type Vote struct {
	PolicyID   string
	Precedence int
	Intent     policy.Intent
}

// Decision is the single decision for a step.
type Decision struct {
	Action policy.Action

	// Intent is the winning intent; its SourcePolicy and SourceRule name
	// the policy and rule that decided.
	Intent policy.Intent

	Strategy policy.ConflictStrategy
	Conflict bool
	Votes    []Vote
	Reason   string
}

// Rules used on intents the resolver synthesizes.
const (
	RuleUnresolved      = "precedence_unresolved"
	RuleEvaluationError = "evaluation_error"
	RuleConflict        = "conflict"
	RuleNoDecision      = "no_decision"
)

// Decide folds per-policy outcomes into one decision. Policies missing
// from outcomes (not evaluated, e.g. bypassed by an override) are skipped.
func (r *Resolver) Decide(res *Resolution, outcomes map[string]Outcome) *Decision {
	if len(res.Unresolved) > 0 && r.config.DefaultFailureMode == policy.FailClosed {
		u := res.Unresolved[0]
		return &Decision{
			Action: policy.ActionDeny,
			Intent: synthesize(policy.ActionDeny, u.PolicyID, RuleUnresolved, u.Error()),
			Reason: u.Error(),
		}
	}

	var votes []Vote
	for _, e := range res.Ordered {
		out, ok := outcomes[e.Policy.ID]
		if !ok {
			continue
		}
		switch {
		case out.Err != nil && e.Precedence.FailureMode == policy.FailOpen:
			r.logger.Warn("policy evaluation failed open",
				"policy_id", e.Policy.ID,
				"error", out.Err,
			)
		case out.Err != nil:
			votes = append(votes, Vote{
				PolicyID:   e.Policy.ID,
				Precedence: e.Precedence.Precedence,
				Intent:     synthesize(policy.ActionDeny, e.Policy.ID, RuleEvaluationError, out.Err.Error()),
			})
		case out.Intent != nil:
			votes = append(votes, Vote{PolicyID: e.Policy.ID, Precedence: e.Precedence.Precedence, Intent: *out.Intent})
		}
	}

	if len(votes) == 0 {
		action := r.config.NoDecisionAction
		reason := "no bound policy produced a decision"
		if len(res.Unresolved) > 0 {
			// fail_open: unresolved policies fall back to ALLOW as a last resort.
			action, reason = policy.ActionAllow, "unresolved precedence, failing open"
		}
		return &Decision{Action: action, Intent: synthesize(action, "", RuleNoDecision, reason), Reason: reason}
	}

	strategy := strategyOf(res, votes[0].PolicyID)
	d := &Decision{Strategy: strategy, Votes: votes}

	if agreed(votes) {
		d.Action, d.Intent = votes[0].Intent.Action, votes[0].Intent
		d.Reason = fmt.Sprintf("%d policies agree", len(votes))
		return d
	}

	d.Conflict = true
	switch strategy {
	case policy.StrategyExplicitPriority:
		d.Intent = votes[0].Intent
		d.Reason = fmt.Sprintf("explicit priority: policy %s has the lowest precedence", votes[0].PolicyID)

	case policy.StrategyMostRestrictive:
		win := votes[0]
		for _, v := range votes[1:] {
			if v.Intent.Action.Restrictiveness() > win.Intent.Action.Restrictiveness() {
				win = v
			}
		}
		d.Intent = win.Intent
		d.Reason = fmt.Sprintf("most restrictive: %s from policy %s", win.Intent.Action, win.PolicyID)

	default:
		d.Intent = synthesize(policy.ActionDeny, votes[0].PolicyID, RuleConflict, "conflicting decisions under fail_closed")
		for _, v := range votes {
			if v.Intent.Action == policy.ActionDeny {
				d.Intent = v.Intent
				break
			}
		}
		d.Reason = "fail closed: conflicting decisions"
	}
	d.Action = d.Intent.Action
	return d
}

func strategyOf(res *Resolution, policyID string) policy.ConflictStrategy {
	for _, e := range res.Ordered {
		if e.Policy.ID == policyID {
			return e.Precedence.ConflictStrategy
		}
	}
	return policy.StrategyFailClosed
}

func agreed(votes []Vote) bool {
	for _, v := range votes[1:] {
		if v.Intent.Action != votes[0].Intent.Action {
			return false
		}
	}
	return true
}

func synthesize(action policy.Action, policyID, rule, reason string) policy.Intent {
	return policy.Intent{
		Action:       action,
		SourcePolicy: policyID,
		SourceRule:   rule,
		Reason:       reason,
		Terminal:     true,
	}
}
