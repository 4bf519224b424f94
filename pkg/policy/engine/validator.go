package engine

import "context"

// Validation is a PolicyValidator verdict.
type Validation struct {
	Allowed bool
	Reason  string
}

// PolicyValidator answers CheckPolicy instructions: whether input satisfies
// the policy with the given ID.
type PolicyValidator interface {
	Validate(ctx context.Context, policyID string, input any) (Validation, error)
}

// ValidatorFunc adapts a function to PolicyValidator.
type ValidatorFunc func(ctx context.Context, policyID string, input any) (Validation, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, policyID string, input any) (Validation, error) {
	return f(ctx, policyID, input)
}

// checkPolicy is the only path from CheckPolicy to a validator. Absence,
// error and panic each map to false.
func (e *Engine) checkPolicy(ctx context.Context, policyID string, input any) (bool, error) {
	if e.validator == nil {
		return false, ErrNoValidator
	}

	v, err := e.safeValidate(ctx, policyID, input)
	switch {
	case err != nil:
		return false, err
	case !v.Allowed:
		return false, nil
	default:
		return true, nil
	}
}

func (e *Engine) safeValidate(ctx context.Context, policyID string, input any) (v Validation, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = Validation{}, &ValidatorPanicError{PolicyID: policyID, Value: r}
		}
	}()
	return e.validator.Validate(ctx, policyID, input)
}
