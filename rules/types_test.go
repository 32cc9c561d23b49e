package rules

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

// TestEvaluationErrorMessage verifies the field prefix in item errors
func TestEvaluationErrorMessage(t *testing.T) {
	withField := &EvaluationError{Field: "units", Reason: "required field is missing"}
	if got := withField.Error(); got != `field "units": required field is missing` {
		t.Errorf("unexpected message: %s", got)
	}

	bare := &EvaluationError{Reason: "no rule matched"}
	if got := bare.Error(); got != "no rule matched" {
		t.Errorf("unexpected message: %s", got)
	}
}

// TestModelLoadErrorUnwrap verifies that the underlying cause stays reachable
func TestModelLoadErrorUnwrap(t *testing.T) {
	err := error(&ModelLoadError{Source: "file:missing.json", Err: os.ErrNotExist})

	if !errors.Is(err, os.ErrNotExist) {
		t.Error("expected errors.Is to find os.ErrNotExist")
	}
	var loadErr *ModelLoadError
	if !errors.As(err, &loadErr) || loadErr.Source != "file:missing.json" {
		t.Errorf("expected errors.As to find the source, got %v", err)
	}
	if !strings.Contains(err.Error(), "file:missing.json") {
		t.Errorf("expected message to name the source, got %s", err.Error())
	}
}

// TestResultJSON verifies the wire names of an engine result
func TestResultJSON(t *testing.T) {
	b, err := json.Marshal(&Result{Result: map[string]any{"charge": 1.5}, RuleID: "r1", Performance: "1ms"})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	got := string(b)
	for _, want := range []string{`"result":{"charge":1.5}`, `"ruleId":"r1"`, `"performance":"1ms"`} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %s", want, got)
		}
	}
	if strings.Contains(got, "ruleIds") {
		t.Errorf("expected ruleIds to be omitted, got %s", got)
	}
}
