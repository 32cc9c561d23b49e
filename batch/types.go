package batch

import (
	"context"

	"github.com/liamcoop/tariffrules/rules"
)

// Request is one evaluation context. The dispatcher never modifies it.
type Request map[string]any

// Evaluator applies a decision model to one context
type Evaluator interface {
	Evaluate(ctx context.Context, facts map[string]any) (*rules.Result, error)
}

// EngineFactory builds an Evaluator for a decision model
type EngineFactory func(model *rules.DecisionModel) (Evaluator, error)

// NewRulesEngine is the EngineFactory backed by rules.NewEngine
func NewRulesEngine(model *rules.DecisionModel) (Evaluator, error) {
	en, err := rules.NewEngine(model)
	if err != nil {
		return nil, err
	}
	return en, nil
}

// PreparedRulesEngine is the EngineFactory backed by rules.PreparedEngine. It
// reuses the engine compiled when the model was loaded, so shared and
// sequential batches do not compile the model again.
func PreparedRulesEngine(model *rules.DecisionModel) (Evaluator, error) {
	en, err := rules.PreparedEngine(model)
	if err != nil {
		return nil, err
	}
	return en, nil
}

// OutcomeKind tags the variant held by an Outcome
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
)

// Outcome is the per-item result of a batch. Index is the item's position
// in the input sequence.
type Outcome struct {
	Index int
	Kind  OutcomeKind

	// set when Kind == OutcomeSuccess
	Result *rules.Result

	// set when Kind == OutcomeFailure
	Context Request
	Error   string
}

// Success builds a success outcome
func Success(index int, result *rules.Result) Outcome {
	return Outcome{Index: index, Kind: OutcomeSuccess, Result: result}
}

// Failure builds a failure outcome carrying the original context
func Failure(index int, req Request, msg string) Outcome {
	return Outcome{Index: index, Kind: OutcomeFailure, Context: req, Error: msg}
}

// Failed reports whether the outcome is a failure
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeFailure
}

// Summary holds the counts of a batch. Succeeded + Failed == TotalRequests.
type Summary struct {
	TotalRequests   int `json:"total_requests"`
	ChunksProcessed int `json:"chunks_processed,omitempty"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
}

// SuccessItem is a successful evaluation in a batch response
type SuccessItem struct {
	Result *rules.Result `json:"result"`
}

// FailureItem is a failed evaluation in a batch response
type FailureItem struct {
	Context Request `json:"context"`
	Error   string  `json:"error"`
}

// Result is the aggregated response for a batch
type Result struct {
	Summary Summary       `json:"summary"`
	Success []SuccessItem `json:"success"`
	Failed  []FailureItem `json:"failed"`
}
