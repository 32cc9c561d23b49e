package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

// costLimit bounds the work any single expression may do
const costLimit = 1000000

type compiledOutput struct {
	name string
	prog cel.Program
}

type compiledRule struct {
	id      string
	when    cel.Program // nil matches everything
	outputs []compiledOutput
}

// Engine evaluates one decision model against contexts.
// All programs are compiled in NewEngine; an Engine holds no mutable state
// afterwards and may be shared by any number of goroutines.
type Engine struct {
	model *DecisionModel
	env   *cel.Env
	rules []compiledRule
}

// PreparedEngine returns the engine a Loader compiled for model, or builds
// one when model was not produced by a Loader.
func PreparedEngine(model *DecisionModel) (*Engine, error) {
	if model != nil && model.prepared != nil && model.prepared.model == model {
		return model.prepared, nil
	}
	return NewEngine(model)
}

// NewEngine builds a CEL environment from the model's inputs and compiles
// every rule condition and output expression.
func NewEngine(model *DecisionModel) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("decision model is nil")
	}

	env, err := newEnv(model.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	en := &Engine{
		model: model,
		env:   env,
		rules: make([]compiledRule, 0, len(model.Rules)),
	}

	for _, r := range model.Rules {
		cr := compiledRule{id: r.ID}

		if r.When != "" {
			prog, err := en.compile(r.When, cel.BoolType)
			if err != nil {
				return nil, fmt.Errorf("rule %s: condition: %w", r.ID, err)
			}
			cr.when = prog
		}

		names := make([]string, 0, len(r.Outputs))
		for name := range r.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			prog, err := en.compile(r.Outputs[name], nil)
			if err != nil {
				return nil, fmt.Errorf("rule %s: output %s: %w", r.ID, name, err)
			}
			cr.outputs = append(cr.outputs, compiledOutput{name: name, prog: prog})
		}

		en.rules = append(en.rules, cr)
	}

	return en, nil
}

func newEnv(inputs map[string]InputType) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(inputs)+1)
	opts = append(opts, cel.CrossTypeNumericComparisons(true))
	for name, typ := range inputs {
		opts = append(opts, cel.Variable(name, celType(typ)))
	}
	return cel.NewEnv(opts...)
}

func celType(t InputType) *cel.Type {
	switch t {
	case TypeInt:
		return cel.IntType
	case TypeDouble:
		return cel.DoubleType
	case TypeBool:
		return cel.BoolType
	default:
		return cel.StringType
	}
}

// compile type-checks an expression and, when want is set, requires its
// result type to match.
func (en *Engine) compile(expression string, want *cel.Type) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	if want != nil && !ast.OutputType().IsExactType(want) {
		return nil, fmt.Errorf("expression %q must evaluate to %s, got %s", expression, want, ast.OutputType())
	}

	prog, err := en.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// Model returns the decision model the engine was built from
func (en *Engine) Model() *DecisionModel {
	return en.model
}

// Evaluate applies the model to one context. Problems with the context
// itself are returned as *EvaluationError.
func (en *Engine) Evaluate(ctx context.Context, facts map[string]any) (*Result, error) {
	start := time.Now()

	vars, err := en.bind(facts)
	if err != nil {
		return nil, err
	}

	var (
		collected  []any
		matchedIDs []string
	)

	for i := range en.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r := &en.rules[i]
		matched, err := r.matches(ctx, vars)
		if err != nil {
			return nil, &EvaluationError{Reason: fmt.Sprintf("rule %s: %v", r.id, err)}
		}
		if !matched {
			continue
		}

		outputs, err := r.evalOutputs(ctx, vars)
		if err != nil {
			return nil, &EvaluationError{Reason: fmt.Sprintf("rule %s: %v", r.id, err)}
		}

		if en.model.HitPolicy == HitFirst {
			return &Result{
				Result:      outputs,
				RuleID:      r.id,
				Performance: time.Since(start).String(),
			}, nil
		}
		collected = append(collected, outputs)
		matchedIDs = append(matchedIDs, r.id)
	}

	if en.model.HitPolicy == HitFirst {
		return nil, &EvaluationError{Reason: "no rule matched"}
	}

	if collected == nil {
		collected = []any{}
	}
	return &Result{
		Result:      collected,
		RuleIDs:     matchedIDs,
		Performance: time.Since(start).String(),
	}, nil
}

func (r *compiledRule) matches(ctx context.Context, vars map[string]any) (bool, error) {
	if r.when == nil {
		return true, nil
	}
	out, _, err := r.when.ContextEval(ctx, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition produced %T, not bool", out.Value())
	}
	return b, nil
}

func (r *compiledRule) evalOutputs(ctx context.Context, vars map[string]any) (map[string]any, error) {
	outputs := make(map[string]any, len(r.outputs))
	for _, o := range r.outputs {
		out, _, err := o.prog.ContextEval(ctx, vars)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", o.name, err)
		}
		v, err := nativeValue(out)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", o.name, err)
		}
		outputs[o.name] = v
	}
	return outputs, nil
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// nativeValue converts a CEL value to something encoding/json can emit
func nativeValue(v ref.Val) (any, error) {
	switch native := v.Value().(type) {
	case bool, string, int64, uint64, float64:
		return native, nil
	}
	pb, err := v.ConvertToNative(structValueType)
	if err != nil {
		return nil, err
	}
	return pb.(*structpb.Value).AsInterface(), nil
}

// bind builds the activation for one context: every declared input is
// present, coerced to its declared type.
func (en *Engine) bind(facts map[string]any) (map[string]any, error) {
	for _, name := range en.model.Required {
		if v, ok := facts[name]; !ok || v == nil {
			return nil, &EvaluationError{Field: name, Reason: "required field is missing"}
		}
	}

	vars := make(map[string]any, len(en.model.Inputs))
	for name, typ := range en.model.Inputs {
		raw, ok := facts[name]
		if !ok || raw == nil {
			vars[name] = zeroValue(typ)
			continue
		}
		v, err := coerce(typ, raw)
		if err != nil {
			return nil, &EvaluationError{Field: name, Reason: err.Error()}
		}
		vars[name] = v
	}
	return vars, nil
}

func zeroValue(t InputType) any {
	switch t {
	case TypeInt:
		return int64(0)
	case TypeDouble:
		return float64(0)
	case TypeBool:
		return false
	default:
		return ""
	}
}

func coerce(t InputType, v any) (any, error) {
	switch t {
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			// float64(math.MaxInt64) rounds up to 2^63, which is out of range
			if n != math.Trunc(n) || n >= math.MaxInt64 || n < math.MinInt64 {
				return nil, fmt.Errorf("expected int, got %v", n)
			}
			return int64(n), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("expected int, got %s", n)
			}
			return i, nil
		}
	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("expected double, got %s", n)
			}
			return f, nil
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}
