package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"mercator-hq/aegis/pkg/policy"
)

// Input is the data a policy executes against.
type Input struct {
	RequestID string
	UserID    string
	AgentID   string

	// Request, User, Agent and Ctx back the built-in accessors of the same
	// name. LoadVar "request.action" reads Request["action"].
	Request map[string]any
	User    map[string]any
	Agent   map[string]any
	Ctx     map[string]any

	// Variables seeds the named variables visible to LoadVar.
	Variables map[string]any
}

// ExecutionID derives the deterministic execution identifier of an input.
func ExecutionID(requestID, userID, agentID string) string {
	h := sha256.New()
	for _, part := range []string{requestID, userID, agentID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TraceRecord is one executed instruction. Records carry no timestamps so
// two executions of the same module on the same input produce equal traces.
type TraceRecord struct {
	Step     int           `json:"step"`
	Function string        `json:"function"`
	Block    string        `json:"block"`
	Index    int           `json:"index"`
	Op       policy.Opcode `json:"op"`
	Detail   string        `json:"detail,omitempty"`
}

// String formats the record for logs.
func (r TraceRecord) String() string {
	return fmt.Sprintf("#%d %s/%s[%d] %s %s", r.Step, r.Function, r.Block, r.Index, r.Op, r.Detail)
}

// ExecutionContext is the mutable interpreter state of one execution.
type ExecutionContext struct {
	ID        string
	PolicyID  string
	Variables map[string]any
	Steps     int
	Trace     []TraceRecord
	Intents   []policy.Intent

	accessors map[string]any
	stack     []*frame
}

type frame struct {
	fn    *policy.Function
	block *policy.Block
	ip    int
	regs  map[string]any
	dst   string
}

// NewExecutionContext builds the state for executing policyID against in.
// Input maps are copied; the execution never mutates caller data.
func NewExecutionContext(policyID string, in Input) *ExecutionContext {
	id := ExecutionID(in.RequestID, in.UserID, in.AgentID)

	withID := func(m map[string]any, key, value string) map[string]any {
		out := copyMap(m)
		if _, ok := out[key]; !ok && value != "" {
			out[key] = value
		}
		return out
	}

	ctx := withID(in.Ctx, "execution_id", id)
	if _, ok := ctx["policy_id"]; !ok {
		ctx["policy_id"] = policyID
	}

	return &ExecutionContext{
		ID:        id,
		PolicyID:  policyID,
		Variables: copyMap(in.Variables),
		accessors: map[string]any{
			"ctx":     ctx,
			"request": withID(in.Request, "id", in.RequestID),
			"user":    withID(in.User, "id", in.UserID),
			"agent":   withID(in.Agent, "id", in.AgentID),
		},
	}
}

// Lookup resolves a variable name or a dotted accessor path. Missing
// names and paths resolve to nil.
func (c *ExecutionContext) Lookup(name string) any {
	if v, ok := c.Variables[name]; ok {
		return v
	}

	head, rest, dotted := strings.Cut(name, ".")
	root, ok := c.accessors[head]
	if !ok {
		if root, ok = c.Variables[head]; !ok {
			return nil
		}
	}
	if !dotted {
		return root
	}
	return walk(root, strings.Split(rest, "."))
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func walk(v any, path []string) any {
	for _, key := range path {
		if v == nil {
			return nil
		}
		if m, ok := v.(map[string]any); ok {
			v = m[key]
			continue
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		item := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !item.IsValid() {
			return nil
		}
		v = item.Interface()
	}
	return v
}

func (c *ExecutionContext) top() *frame {
	return c.stack[len(c.stack)-1]
}

func (c *ExecutionContext) trace(f *frame, idx int, op policy.Opcode, detail string) {
	c.Trace = append(c.Trace, TraceRecord{
		Step:     c.Steps,
		Function: f.fn.Name,
		Block:    f.block.Name,
		Index:    idx,
		Op:       op,
		Detail:   detail,
	})
}
