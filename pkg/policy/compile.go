package policy

import (
	"fmt"
	"strings"
)

// ModuleSpec is the serialized form of a policy's logic, as stored in
// bundles and snapshots.
type ModuleSpec struct {
	Entry     string         `json:"entry,omitempty" yaml:"entry,omitempty"`
	Functions []FunctionSpec `json:"functions" yaml:"functions"`
}

// FunctionSpec is the serialized form of a Function. Blocks are listed in
// fallthrough order; Entry defaults to the first block.
type FunctionSpec struct {
	Name   string      `json:"name" yaml:"name"`
	Params []string    `json:"params,omitempty" yaml:"params,omitempty"`
	Entry  string      `json:"entry,omitempty" yaml:"entry,omitempty"`
	Blocks []BlockSpec `json:"blocks" yaml:"blocks"`
}

// BlockSpec is the serialized form of a Block.
type BlockSpec struct {
	Name         string            `json:"name" yaml:"name"`
	Instructions []InstructionSpec `json:"instructions" yaml:"instructions"`
}

// InstructionSpec is the flat serialized form of every instruction kind.
// Which fields are meaningful depends on Op.
type InstructionSpec struct {
	Op       Opcode         `json:"op" yaml:"op"`
	Dst      string         `json:"dst,omitempty" yaml:"dst,omitempty"`
	Src      string         `json:"src,omitempty" yaml:"src,omitempty"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Value    any            `json:"value,omitempty" yaml:"value,omitempty"`
	Operator string         `json:"operator,omitempty" yaml:"operator,omitempty"`
	Left     string         `json:"left,omitempty" yaml:"left,omitempty"`
	Right    string         `json:"right,omitempty" yaml:"right,omitempty"`
	Target   string         `json:"target,omitempty" yaml:"target,omitempty"`
	Cond     string         `json:"cond,omitempty" yaml:"cond,omitempty"`
	Then     string         `json:"then,omitempty" yaml:"then,omitempty"`
	Else     string         `json:"else,omitempty" yaml:"else,omitempty"`
	Args     []string       `json:"args,omitempty" yaml:"args,omitempty"`
	Action   string         `json:"action,omitempty" yaml:"action,omitempty"`
	Rule     string         `json:"rule,omitempty" yaml:"rule,omitempty"`
	Reason   string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Priority int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Compile turns a ModuleSpec into an executable Module. It checks that
// every jump, branch and call target exists and that control transfer only
// happens at the end of a block.
func Compile(spec ModuleSpec) (*Module, error) {
	if len(spec.Functions) == 0 {
		return nil, &CompileError{Message: "module has no functions"}
	}

	m := &Module{
		Entry:     spec.Entry,
		Functions: make(map[string]*Function, len(spec.Functions)),
	}
	if m.Entry == "" {
		m.Entry = DefaultEntry
	}

	for _, fs := range spec.Functions {
		if fs.Name == "" {
			return nil, &CompileError{Message: "function name cannot be empty"}
		}
		if _, dup := m.Functions[fs.Name]; dup {
			return nil, &CompileError{Function: fs.Name, Message: "duplicate function"}
		}
		if _, builtin := Builtins[fs.Name]; builtin {
			return nil, &CompileError{Function: fs.Name, Message: "function shadows a builtin"}
		}
		fn, err := compileFunction(fs)
		if err != nil {
			return nil, err
		}
		m.Functions[fs.Name] = fn
	}

	if _, ok := m.Functions[m.Entry]; !ok {
		return nil, &CompileError{Function: m.Entry, Message: "entry function not defined"}
	}

	// Call targets can only be checked once every function is known.
	for _, fn := range m.Functions {
		for _, name := range fn.Order {
			for i, ins := range fn.Blocks[name].Instructions {
				call, ok := ins.(*Call)
				if !ok {
					continue
				}
				if arity, ok := Builtins[call.Func]; ok {
					if len(call.Args) != arity {
						return nil, &CompileError{Function: fn.Name, Block: name, Index: i,
							Message: fmt.Sprintf("builtin %s takes %d arguments, got %d", call.Func, arity, len(call.Args))}
					}
					continue
				}
				callee, ok := m.Functions[call.Func]
				if !ok {
					return nil, &CompileError{Function: fn.Name, Block: name, Index: i,
						Message: fmt.Sprintf("call to undefined function %q", call.Func)}
				}
				if len(call.Args) != len(callee.Params) {
					return nil, &CompileError{Function: fn.Name, Block: name, Index: i,
						Message: fmt.Sprintf("function %s takes %d arguments, got %d", callee.Name, len(callee.Params), len(call.Args))}
				}
			}
		}
	}

	return m, nil
}

func compileFunction(fs FunctionSpec) (*Function, error) {
	if len(fs.Blocks) == 0 {
		return nil, &CompileError{Function: fs.Name, Message: "function has no blocks"}
	}

	fn := &Function{
		Name:   fs.Name,
		Params: fs.Params,
		Entry:  fs.Entry,
		Blocks: make(map[string]*Block, len(fs.Blocks)),
		Order:  make([]string, 0, len(fs.Blocks)),
	}
	if fn.Entry == "" {
		fn.Entry = fs.Blocks[0].Name
	}

	for _, bs := range fs.Blocks {
		if bs.Name == "" {
			return nil, &CompileError{Function: fs.Name, Message: "block name cannot be empty"}
		}
		if _, dup := fn.Blocks[bs.Name]; dup {
			return nil, &CompileError{Function: fs.Name, Block: bs.Name, Message: "duplicate block"}
		}
		block := &Block{Name: bs.Name, Instructions: make([]Instruction, 0, len(bs.Instructions))}
		for i, is := range bs.Instructions {
			ins, err := compileInstruction(is)
			if err != nil {
				return nil, &CompileError{Function: fs.Name, Block: bs.Name, Index: i, Message: err.Error()}
			}
			if IsTerminator(ins) && i != len(bs.Instructions)-1 {
				return nil, &CompileError{Function: fs.Name, Block: bs.Name, Index: i,
					Message: fmt.Sprintf("%s must be the last instruction of its block", ins.Op())}
			}
			block.Instructions = append(block.Instructions, ins)
		}
		fn.Blocks[bs.Name] = block
		fn.Order = append(fn.Order, bs.Name)
	}

	if _, ok := fn.Blocks[fn.Entry]; !ok {
		return nil, &CompileError{Function: fs.Name, Block: fn.Entry, Message: "entry block not defined"}
	}

	for _, name := range fn.Order {
		for i, ins := range fn.Blocks[name].Instructions {
			var targets []string
			switch v := ins.(type) {
			case *Jump:
				targets = []string{v.Target}
			case *Branch:
				targets = []string{v.Then, v.Else}
			}
			for _, t := range targets {
				if _, ok := fn.Blocks[t]; !ok {
					return nil, &CompileError{Function: fs.Name, Block: name, Index: i,
						Message: fmt.Sprintf("jump to undefined block %q", t)}
				}
			}
		}
	}

	return fn, nil
}

func compileInstruction(is InstructionSpec) (Instruction, error) {
	switch is.Op {
	case OpLoadConst:
		if is.Dst == "" {
			return nil, fmt.Errorf("load_const requires dst")
		}
		return &LoadConst{Dst: is.Dst, Value: is.Value}, nil

	case OpLoadVar:
		if is.Dst == "" || is.Name == "" {
			return nil, fmt.Errorf("load_var requires dst and name")
		}
		return &LoadVar{Dst: is.Dst, Name: is.Name}, nil

	case OpStoreVar:
		if is.Name == "" || is.Src == "" {
			return nil, fmt.Errorf("store_var requires name and src")
		}
		return &StoreVar{Name: is.Name, Src: is.Src}, nil

	case OpBinary:
		op := BoolOperator(strings.ToLower(is.Operator))
		if op != OpAnd && op != OpOr {
			return nil, fmt.Errorf("binary operator must be and/or, got %q", is.Operator)
		}
		if is.Dst == "" || is.Left == "" || is.Right == "" {
			return nil, fmt.Errorf("binary requires dst, left and right")
		}
		return &BinaryOp{Dst: is.Dst, Operator: op, Left: is.Left, Right: is.Right}, nil

	case OpUnary:
		op := BoolOperator(strings.ToLower(is.Operator))
		if op == "" {
			op = OpNot
		}
		if op != OpNot {
			return nil, fmt.Errorf("unary operator must be not, got %q", is.Operator)
		}
		if is.Dst == "" || is.Src == "" {
			return nil, fmt.Errorf("unary requires dst and src")
		}
		return &UnaryOp{Dst: is.Dst, Operator: op, Src: is.Src}, nil

	case OpCompare:
		op := CompareOperator(is.Operator)
		switch op {
		case CmpEq, CmpNe, CmpLt, CmpGt, CmpLe, CmpGe:
		default:
			return nil, fmt.Errorf("unknown comparison %q", is.Operator)
		}
		if is.Dst == "" || is.Left == "" || is.Right == "" {
			return nil, fmt.Errorf("compare requires dst, left and right")
		}
		return &Compare{Dst: is.Dst, Operator: op, Left: is.Left, Right: is.Right}, nil

	case OpJump:
		if is.Target == "" {
			return nil, fmt.Errorf("jump requires target")
		}
		return &Jump{Target: is.Target}, nil

	case OpBranch:
		if is.Cond == "" || is.Then == "" || is.Else == "" {
			return nil, fmt.Errorf("branch requires cond, then and else")
		}
		return &Branch{Cond: is.Cond, Then: is.Then, Else: is.Else}, nil

	case OpCall:
		if is.Name == "" {
			return nil, fmt.Errorf("call requires name")
		}
		return &Call{Dst: is.Dst, Func: is.Name, Args: is.Args}, nil

	case OpCheckPolicy:
		if is.Dst == "" || is.Name == "" {
			return nil, fmt.Errorf("check_policy requires dst and name")
		}
		return &CheckPolicy{Dst: is.Dst, PolicyID: is.Name, Input: is.Src}, nil

	case OpAction:
		a, err := ParseAction(is.Action)
		if err != nil {
			return nil, err
		}
		if !a.IsDecision() {
			return nil, fmt.Errorf("terminal action must be a decision, got %s", a)
		}
		return &TerminalAction{Action: a, Rule: is.Rule, Target: is.Target, Reason: is.Reason,
			Priority: is.Priority, Params: is.Params}, nil

	case OpEmitIntent:
		a, err := ParseAction(is.Action)
		if err != nil {
			return nil, err
		}
		return &EmitIntent{Action: a, Rule: is.Rule, Target: is.Target, Reason: is.Reason,
			Priority: is.Priority, Params: is.Params}, nil

	case OpReturn:
		return &Return{Src: is.Src}, nil

	default:
		return nil, fmt.Errorf("unknown opcode %q", is.Op)
	}
}
