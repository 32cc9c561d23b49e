package batch

import (
	"cmp"
	"slices"
)

// Aggregate splits outcomes into successes and failures. Both lists follow
// input order (by Index) no matter what order the outcomes completed in.
func Aggregate(outcomes []Outcome) Result {
	ordered := slices.Clone(outcomes)
	slices.SortStableFunc(ordered, func(a, b Outcome) int {
		return cmp.Compare(a.Index, b.Index)
	})

	res := Result{
		Success: make([]SuccessItem, 0, len(ordered)),
		Failed:  []FailureItem{},
	}
	for _, o := range ordered {
		if o.Failed() {
			res.Failed = append(res.Failed, FailureItem{Context: o.Context, Error: o.Error})
			continue
		}
		res.Success = append(res.Success, SuccessItem{Result: o.Result})
	}

	res.Summary = Summary{
		TotalRequests: len(ordered),
		Succeeded:     len(res.Success),
		Failed:        len(res.Failed),
	}
	return res
}
