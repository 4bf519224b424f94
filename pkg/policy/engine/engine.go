package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mercator-hq/aegis/pkg/policy"
)

// Result is the outcome of executing one policy module.
type Result struct {
	PolicyID    string
	ExecutionID string

	// Decision is the terminal intent. It is nil when the policy abstained:
	// it returned a value that is neither true nor false.
	Decision *policy.Intent

	// Intents are the non-terminal intents emitted before the decision.
	Intents []policy.Intent

	ReturnValue any
	Steps       int
	Trace       []TraceRecord

	// Duration is wall-clock metadata. It never feeds a decision.
	Duration time.Duration
}

// Abstained reports whether the policy produced no decision.
func (r *Result) Abstained() bool {
	return r.Decision == nil
}

// Engine executes compiled policy modules. It is stateless between
// executions and safe for concurrent use.
type Engine struct {
	config    *Config
	validator PolicyValidator
	patterns  *patternCache
	logger    *slog.Logger
}

// New creates a policy engine. A nil validator is allowed; every
// CheckPolicy then evaluates to false.
func New(config *Config, validator PolicyValidator, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		config:    config,
		validator: validator,
		patterns:  newPatternCache(config),
		logger:    logger.With("component", "policy.engine"),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return *e.config
}

// Execute runs mod for policyID against in. When execution fails the
// partial Result, including its trace, is returned with the error.
func (e *Engine) Execute(ctx context.Context, mod *policy.Module, policyID string, in Input) (*Result, error) {
	start := time.Now()
	if mod == nil {
		return nil, ErrNilModule
	}

	ec := NewExecutionContext(policyID, in)
	res := &Result{PolicyID: policyID, ExecutionID: ec.ID}

	err := e.run(ctx, mod, ec, res)

	res.Intents = ec.Intents
	res.Steps = ec.Steps
	res.Trace = ec.Trace
	res.Duration = time.Since(start)

	if err != nil {
		e.logger.Warn("policy execution failed",
			"policy_id", policyID,
			"execution_id", ec.ID,
			"steps", ec.Steps,
			"error", err,
		)
		return res, err
	}

	e.logger.Debug("policy executed",
		"policy_id", policyID,
		"execution_id", ec.ID,
		"steps", ec.Steps,
		"abstained", res.Abstained(),
	)
	return res, nil
}

// EvaluatePolicy compiles the logic of p and executes it.
func (e *Engine) EvaluatePolicy(ctx context.Context, p *policy.Policy, in Input) (*Result, error) {
	mod, err := policy.Compile(p.Logic)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.ID, err)
	}
	return e.Execute(ctx, mod, p.ID, in)
}

func (e *Engine) run(ctx context.Context, mod *policy.Module, ec *ExecutionContext, res *Result) error {
	entry := mod.Entry
	if entry == "" {
		entry = policy.DefaultEntry
	}
	if err := e.push(mod, ec, entry, nil, ""); err != nil {
		return err
	}

	for {
		f := ec.top()

		if f.ip >= len(f.block.Instructions) {
			if next, ok := f.fn.Next(f.block.Name); ok {
				f.block, f.ip = f.fn.Blocks[next], 0
				continue
			}
			if done := e.ret(ec, res, nil, f.fn.Name+"/"+f.block.Name); done {
				return nil
			}
			continue
		}

		idx := f.ip
		ins := f.block.Instructions[idx]
		ec.Steps++
		if ec.Steps > e.config.MaxSteps {
			return &StepLimitError{PolicyID: ec.PolicyID, Limit: e.config.MaxSteps, Function: f.fn.Name, Block: f.block.Name}
		}
		f.ip++

		fail := func(msg string, cause error) error {
			return &ExecutionError{
				PolicyID: ec.PolicyID, Function: f.fn.Name, Block: f.block.Name,
				Index: idx, Message: msg, Cause: cause,
			}
		}

		switch in := ins.(type) {
		case *policy.LoadConst:
			f.regs[in.Dst] = in.Value
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = %s", in.Dst, describe(in.Value)))

		case *policy.LoadVar:
			v := ec.Lookup(in.Name)
			f.regs[in.Dst] = v
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = %s (%s)", in.Dst, in.Name, describe(v)))

		case *policy.StoreVar:
			ec.Variables[in.Name] = f.regs[in.Src]
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = %s", in.Name, in.Src))

		case *policy.BinaryOp:
			l, r := truthy(f.regs[in.Left]), truthy(f.regs[in.Right])
			var v bool
			switch in.Operator {
			case policy.OpAnd:
				v = l && r
			case policy.OpOr:
				v = l || r
			default:
				return fail(fmt.Sprintf("unsupported binary operator %q", in.Operator), nil)
			}
			f.regs[in.Dst] = v
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = %s %s %s -> %t", in.Dst, in.Left, in.Operator, in.Right, v))

		case *policy.UnaryOp:
			if in.Operator != policy.OpNot {
				return fail(fmt.Sprintf("unsupported unary operator %q", in.Operator), nil)
			}
			v := !truthy(f.regs[in.Src])
			f.regs[in.Dst] = v
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = not %s -> %t", in.Dst, in.Src, v))

		case *policy.Compare:
			v := compare(in.Operator, f.regs[in.Left], f.regs[in.Right])
			f.regs[in.Dst] = v
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = %s %s %s -> %t", in.Dst, in.Left, in.Operator, in.Right, v))

		case *policy.Jump:
			ec.trace(f, idx, in.Op(), in.Target)
			if err := jump(f, in.Target); err != nil {
				return fail(err.Error(), nil)
			}

		case *policy.Branch:
			target := in.Else
			if truthy(f.regs[in.Cond]) {
				target = in.Then
			}
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s -> %s", in.Cond, target))
			if err := jump(f, target); err != nil {
				return fail(err.Error(), nil)
			}

		case *policy.Call:
			args := make([]any, len(in.Args))
			for i, a := range in.Args {
				args[i] = f.regs[a]
			}
			if arity, ok := policy.Builtins[in.Func]; ok {
				if len(args) != arity {
					return fail(fmt.Sprintf("builtin %s takes %d arguments, got %d", in.Func, arity, len(args)), nil)
				}
				v, err := e.callBuiltin(in.Func, args)
				if err != nil {
					return fail("builtin failed", err)
				}
				f.regs[in.Dst] = v
				ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = %s(%s) -> %s", in.Dst, in.Func, strings.Join(in.Args, ", "), describe(v)))
				continue
			}
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s = %s(%s)", in.Dst, in.Func, strings.Join(in.Args, ", ")))
			if err := e.push(mod, ec, in.Func, args, in.Dst); err != nil {
				return err
			}

		case *policy.CheckPolicy:
			allowed, err := e.checkPolicy(ctx, in.PolicyID, f.regs[in.Input])
			f.regs[in.Dst] = allowed
			detail := fmt.Sprintf("%s = check(%s) -> %t", in.Dst, in.PolicyID, allowed)
			if err != nil {
				detail += " (" + err.Error() + ")"
				e.logger.Warn("policy check failed closed",
					"policy_id", ec.PolicyID,
					"checked_policy", in.PolicyID,
					"error", err,
				)
			}
			ec.trace(f, idx, in.Op(), detail)

		case *policy.TerminalAction:
			intent := newIntent(ec.PolicyID, in.Action, in.Rule, in.Target, in.Reason, in.Priority, in.Params, true)
			res.Decision = &intent
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s rule=%s", in.Action, in.Rule))
			return nil

		case *policy.EmitIntent:
			ec.Intents = append(ec.Intents, newIntent(ec.PolicyID, in.Action, in.Rule, in.Target, in.Reason, in.Priority, in.Params, false))
			ec.trace(f, idx, in.Op(), fmt.Sprintf("%s rule=%s", in.Action, in.Rule))

		case *policy.Return:
			var v any
			if in.Src != "" {
				v = f.regs[in.Src]
			}
			ec.trace(f, idx, in.Op(), describe(v))
			if done := e.ret(ec, res, v, f.fn.Name+"/"+f.block.Name); done {
				return nil
			}

		default:
			return fail(fmt.Sprintf("unsupported instruction %T", ins), nil)
		}
	}
}

// push enters a function. Parameters become registers of the new frame.
func (e *Engine) push(mod *policy.Module, ec *ExecutionContext, name string, args []any, dst string) error {
	fn, ok := mod.Functions[name]
	if !ok {
		return &ExecutionError{PolicyID: ec.PolicyID, Function: name, Message: "function not defined"}
	}
	if len(ec.stack) >= e.config.MaxCallDepth {
		return &CallDepthError{PolicyID: ec.PolicyID, Limit: e.config.MaxCallDepth, Function: name}
	}
	block, ok := fn.Blocks[fn.Entry]
	if !ok {
		return &ExecutionError{PolicyID: ec.PolicyID, Function: name, Block: fn.Entry, Message: "entry block not defined"}
	}

	regs := make(map[string]any, len(fn.Params))
	for i, p := range fn.Params {
		if i < len(args) {
			regs[p] = args[i]
		} else {
			regs[p] = nil
		}
	}
	ec.stack = append(ec.stack, &frame{fn: fn, block: block, regs: regs, dst: dst})
	return nil
}

// ret leaves the current frame. It reports true when the entry function
// returned, which ends the execution.
func (e *Engine) ret(ec *ExecutionContext, res *Result, v any, location string) bool {
	done := ec.top()
	ec.stack = ec.stack[:len(ec.stack)-1]
	if len(ec.stack) > 0 {
		ec.top().regs[done.dst] = v
		return false
	}

	res.ReturnValue = v
	switch b, ok := v.(bool); {
	case ok && b:
		intent := newIntent(ec.PolicyID, policy.ActionAllow, location, "", "policy returned true", 0, nil, true)
		res.Decision = &intent
	case ok && !b:
		intent := newIntent(ec.PolicyID, policy.ActionDeny, location, "", "policy returned false", 0, nil, true)
		res.Decision = &intent
	}
	return true
}

func jump(f *frame, target string) error {
	block, ok := f.fn.Blocks[target]
	if !ok {
		return fmt.Errorf("jump to undefined block %q", target)
	}
	f.block, f.ip = block, 0
	return nil
}

func newIntent(policyID string, action policy.Action, rule, target, reason string, priority int, params map[string]any, terminal bool) policy.Intent {
	var p map[string]any
	if len(params) > 0 {
		p = copyMap(params)
	}
	return policy.Intent{
		Action:       action,
		Priority:     priority,
		SourcePolicy: policyID,
		SourceRule:   rule,
		Target:       target,
		Reason:       reason,
		Params:       p,
		Terminal:     terminal,
	}
}
