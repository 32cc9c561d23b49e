package rules

import (
	"encoding/json"
	"fmt"
)

// InputType is the declared type of a decision input field
type InputType string

const (
	TypeInt    InputType = "int"
	TypeDouble InputType = "double"
	TypeString InputType = "string"
	TypeBool   InputType = "bool"
)

// HitPolicy controls how matching rules produce a result
type HitPolicy string

const (
	// HitFirst returns the outputs of the first matching rule in document order
	HitFirst HitPolicy = "first"
	// HitCollect returns the outputs of every matching rule
	HitCollect HitPolicy = "collect"
)

// Rule is a single row of a decision document.
// An empty When always matches.
type Rule struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	When        string            `json:"when,omitempty"`
	Outputs     map[string]string `json:"outputs"`
}

// DecisionModel is the parsed rules artifact. It is never mutated after load
// and is shared read-only by every evaluator of a batch.
type DecisionModel struct {
	Name      string               `json:"name"`
	Version   string               `json:"version,omitempty"`
	HitPolicy HitPolicy            `json:"hitPolicy,omitempty"`
	Inputs    map[string]InputType `json:"inputs"`
	Required  []string             `json:"required,omitempty"`
	Rules     []Rule               `json:"rules"`

	// engine compiled while the model was loaded
	prepared *Engine
}

// ParseModel decodes and validates a decision document
func ParseModel(data []byte) (*DecisionModel, error) {
	var m DecisionModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid decision document: %w", err)
	}
	if m.HitPolicy == "" {
		m.HitPolicy = HitFirst
	}
	if err := ValidateModel(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Result is the value returned by the engine for one context
type Result struct {
	Result      any      `json:"result"`
	RuleID      string   `json:"ruleId,omitempty"`
	RuleIDs     []string `json:"ruleIds,omitempty"`
	Performance string   `json:"performance"`
}

// EvaluationError is raised when the engine rejects a single context.
// It never aborts a batch; the dispatcher turns it into a failure outcome.
type EvaluationError struct {
	Field  string
	Reason string
}

func (e *EvaluationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// ModelLoadError reports a missing, unreadable or invalid rules artifact
type ModelLoadError struct {
	Source string
	Err    error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load decision model from %s: %v", e.Source, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
