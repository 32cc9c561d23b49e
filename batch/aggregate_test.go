package batch

import (
	"testing"

	"github.com/liamcoop/tariffrules/rules"
)

// TestAggregateRestoresInputOrder verifies ordering within both outcome classes
func TestAggregateRestoresInputOrder(t *testing.T) {
	outcomes := []Outcome{
		Success(4, &rules.Result{RuleID: "r4"}),
		Failure(3, Request{"id": 3}, "bad 3"),
		Success(0, &rules.Result{RuleID: "r0"}),
		Failure(1, Request{"id": 1}, "bad 1"),
		Success(2, &rules.Result{RuleID: "r2"}),
	}

	res := Aggregate(outcomes)

	if res.Summary.TotalRequests != 5 || res.Summary.Succeeded != 3 || res.Summary.Failed != 2 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
	for i, want := range []string{"r0", "r2", "r4"} {
		if res.Success[i].Result.RuleID != want {
			t.Errorf("success[%d]: expected %s, got %s", i, want, res.Success[i].Result.RuleID)
		}
	}
	for i, want := range []string{"bad 1", "bad 3"} {
		if res.Failed[i].Error != want {
			t.Errorf("failed[%d]: expected %s, got %s", i, want, res.Failed[i].Error)
		}
	}
	if res.Failed[0].Context["id"] != 1 {
		t.Errorf("expected original context to be kept, got %v", res.Failed[0].Context)
	}

	// the input slice is not reordered
	if outcomes[0].Index != 4 {
		t.Error("Aggregate() should not modify its input")
	}
}

// TestAggregateEmpty verifies non-nil empty lists
func TestAggregateEmpty(t *testing.T) {
	res := Aggregate(nil)
	if res.Success == nil || res.Failed == nil {
		t.Error("expected empty, non-nil lists")
	}
	if res.Summary.TotalRequests != 0 {
		t.Errorf("expected 0 requests, got %d", res.Summary.TotalRequests)
	}
}

// TestAggregateCountsMatch verifies the summary invariants for a mixed batch
func TestAggregateCountsMatch(t *testing.T) {
	var outcomes []Outcome
	for i := 0; i < 100; i++ {
		if i%7 == 0 {
			outcomes = append(outcomes, Failure(i, Request{}, "x"))
		} else {
			outcomes = append(outcomes, Success(i, &rules.Result{}))
		}
	}

	res := Aggregate(outcomes)
	if len(res.Success)+len(res.Failed) != 100 {
		t.Errorf("expected 100 outcomes, got %d", len(res.Success)+len(res.Failed))
	}
	if res.Summary.Succeeded != len(res.Success) || res.Summary.Failed != len(res.Failed) {
		t.Errorf("summary %+v does not match lists", res.Summary)
	}
}
