package policy

// Opcode names an IR instruction kind. The same names are used in the
// serialized form of a policy's logic.
type Opcode string

const (
	OpLoadConst   Opcode = "load_const"
	OpLoadVar     Opcode = "load_var"
	OpStoreVar    Opcode = "store_var"
	OpBinary      Opcode = "binary"
	OpUnary       Opcode = "unary"
	OpCompare     Opcode = "compare"
	OpJump        Opcode = "jump"
	OpBranch      Opcode = "branch"
	OpCall        Opcode = "call"
	OpCheckPolicy Opcode = "check_policy"
	OpAction      Opcode = "action"
	OpEmitIntent  Opcode = "emit_intent"
	OpReturn      Opcode = "return"
)

// BoolOperator is a boolean connective used by BinaryOp and UnaryOp.
type BoolOperator string

const (
	OpAnd BoolOperator = "and"
	OpOr  BoolOperator = "or"
	OpNot BoolOperator = "not"
)

// CompareOperator is a comparison used by Compare.
type CompareOperator string

const (
	CmpEq CompareOperator = "=="
	CmpNe CompareOperator = "!="
	CmpLt CompareOperator = "<"
	CmpGt CompareOperator = ">"
	CmpLe CompareOperator = "<="
	CmpGe CompareOperator = ">="
)

// Builtins lists the functions every module may call without defining them.
var Builtins = map[string]int{
	"contains":   2,
	"startswith": 2,
	"endswith":   2,
	"len":        1,
	"matches":    2,
	"in_list":    2,
	"is_empty":   1,
}

// DefaultEntry is the function executed when a module names no entry.
const DefaultEntry = "main"

// Module is a compiled policy program: a set of named functions.
type Module struct {
	Entry     string
	Functions map[string]*Function
}

// Function is a set of named basic blocks. Blocks reference each other by
// name only; Order fixes fallthrough.
type Function struct {
	Name   string
	Params []string
	Entry  string
	Blocks map[string]*Block
	Order  []string
}

// Next returns the block that follows name in fallthrough order.
func (f *Function) Next(name string) (string, bool) {
	for i, b := range f.Order {
		if b == name && i+1 < len(f.Order) {
			return f.Order[i+1], true
		}
	}
	return "", false
}

// Block is a linear instruction sequence. Only the last instruction may
// transfer control.
type Block struct {
	Name         string
	Instructions []Instruction
}

// Instruction is the closed set of IR instruction kinds. The unexported
// marker keeps the set sealed to this package so interpreters can switch
// over it exhaustively.
type Instruction interface {
	Op() Opcode
	isInstruction()
}

// LoadConst writes a literal into a register.
type LoadConst struct {
	Dst   string
	Value any
}

// LoadVar reads a variable or a built-in accessor path (ctx, request, user,
// agent, optionally dotted) into a register.
type LoadVar struct {
	Dst  string
	Name string
}

// StoreVar copies a register into a named variable.
type StoreVar struct {
	Name string
	Src  string
}

// BinaryOp combines two registers with and/or.
type BinaryOp struct {
	Dst      string
	Operator BoolOperator
	Left     string
	Right    string
}

// UnaryOp applies not to a register.
type UnaryOp struct {
	Dst      string
	Operator BoolOperator
	Src      string
}

// Compare compares two registers.
type Compare struct {
	Dst      string
	Operator CompareOperator
	Left     string
	Right    string
}

// Jump transfers control to a block of the same function.
type Jump struct {
	Target string
}

// Branch jumps to Then when Cond is truthy, otherwise to Else.
type Branch struct {
	Cond string
	Then string
	Else string
}

// Call invokes a builtin or a module function with register arguments.
type Call struct {
	Dst  string
	Func string
	Args []string
}

// CheckPolicy asks the injected validator about another policy. The
// register receives false on any validator failure.
type CheckPolicy struct {
	Dst      string
	PolicyID string
	Input    string
}

// TerminalAction ends execution with a decision.
type TerminalAction struct {
	Action   Action
	Rule     string
	Target   string
	Reason   string
	Priority int
	Params   map[string]any
}

// EmitIntent records an intent and continues.
type EmitIntent struct {
	Action   Action
	Rule     string
	Target   string
	Reason   string
	Priority int
	Params   map[string]any
}

// Return leaves the current function with the value of Src (nil when empty).
type Return struct {
	Src string
}

func (*LoadConst) Op() Opcode      { return OpLoadConst }
func (*LoadVar) Op() Opcode        { return OpLoadVar }
func (*StoreVar) Op() Opcode       { return OpStoreVar }
func (*BinaryOp) Op() Opcode       { return OpBinary }
func (*UnaryOp) Op() Opcode        { return OpUnary }
func (*Compare) Op() Opcode        { return OpCompare }
func (*Jump) Op() Opcode           { return OpJump }
func (*Branch) Op() Opcode         { return OpBranch }
func (*Call) Op() Opcode           { return OpCall }
func (*CheckPolicy) Op() Opcode    { return OpCheckPolicy }
func (*TerminalAction) Op() Opcode { return OpAction }
func (*EmitIntent) Op() Opcode     { return OpEmitIntent }
func (*Return) Op() Opcode         { return OpReturn }

func (*LoadConst) isInstruction()      {}
func (*LoadVar) isInstruction()        {}
func (*StoreVar) isInstruction()       {}
func (*BinaryOp) isInstruction()       {}
func (*UnaryOp) isInstruction()        {}
func (*Compare) isInstruction()        {}
func (*Jump) isInstruction()           {}
func (*Branch) isInstruction()         {}
func (*Call) isInstruction()           {}
func (*CheckPolicy) isInstruction()    {}
func (*TerminalAction) isInstruction() {}
func (*EmitIntent) isInstruction()     {}
func (*Return) isInstruction()         {}

// IsTerminator reports whether ins transfers control out of its block.
func IsTerminator(ins Instruction) bool {
	switch ins.(type) {
	case *Jump, *Branch, *Return, *TerminalAction:
		return true
	}
	return false
}
