// Package compose splits a token budget across conversations, picks a
// version of each that fits, and renders the result.
package compose

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/strata/internal/apperr"
)

// Strategy is an allocation rule.
type Strategy string

const (
	Equal        Strategy = "equal"
	Proportional Strategy = "proportional"
	Recency      Strategy = "recency"
	Manual       Strategy = "manual"
)

// ParseStrategy accepts the strategy names plus "custom" for Manual. An
// empty name means Equal.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Equal):
		return Equal, nil
	case string(Proportional):
		return Proportional, nil
	case string(Recency):
		return Recency, nil
	case string(Manual), "custom":
		return Manual, nil
	}
	return "", apperr.New(apperr.ErrInvalidComposition, "unknown strategy %q", s)
}

// Input is what a strategy knows about one component.
type Input struct {
	OriginalTokens int
	Timestamp      time.Time
	Manual         int
}

// Allocate returns one quota per input. Every strategy but Manual sums to
// exactly budget; Manual quotas are returned verbatim.
func Allocate(strategy Strategy, budget int, inputs []Input) ([]int, error) {
	n := len(inputs)
	if n == 0 {
		return nil, apperr.New(apperr.ErrInvalidComposition, "no components")
	}
	if budget <= 0 {
		return nil, apperr.New(apperr.ErrInvalidComposition, "budget must be positive, got %d", budget)
	}

	switch strategy {
	case Equal:
		return equal(budget, n), nil
	case Proportional:
		weights := make([]int64, n)
		var total int64
		for i, in := range inputs {
			if in.OriginalTokens < 0 {
				return nil, apperr.New(apperr.ErrInvalidComposition, "component %d has negative size", i)
			}
			weights[i] = int64(in.OriginalTokens)
			total += weights[i]
		}
		if total == 0 {
			return equal(budget, n), nil
		}
		return weighted(budget, weights), nil
	case Recency:
		return weighted(budget, recencyWeights(inputs)), nil
	case Manual:
		out := make([]int, n)
		for i, in := range inputs {
			if in.Manual < 0 {
				return nil, apperr.New(apperr.ErrInvalidComposition, "component %d has negative allocation %d", i, in.Manual)
			}
			out[i] = in.Manual
		}
		return out, nil
	}
	return nil, apperr.New(apperr.ErrInvalidComposition, "unknown strategy %q", strategy)
}

// BudgetWarnings flags quotas that do not add up to budget.
func BudgetWarnings(budget int, quotas []int) []string {
	sum := 0
	for _, q := range quotas {
		sum += q
	}
	switch {
	case sum > budget:
		return []string{fmt.Sprintf("over_budget: allocations total %d of %d", sum, budget)}
	case sum < budget:
		return []string{fmt.Sprintf("under_budget: allocations total %d of %d", sum, budget)}
	}
	return nil
}

// equal gives floor(budget/n) to everyone and one more to the first
// budget mod n components.
func equal(budget, n int) []int {
	out := make([]int, n)
	base, extra := budget/n, budget%n
	for i := range out {
		out[i] = base
		if i < extra {
			out[i]++
		}
	}
	return out
}

// weighted floors budget*w/total for all but the last component, which
// takes the remainder.
func weighted(budget int, weights []int64) []int {
	var total int64
	for _, w := range weights {
		total += w
	}
	out := make([]int, len(weights))
	used := 0
	for i := 0; i < len(weights)-1; i++ {
		out[i] = int(int64(budget) * weights[i] / total)
		used += out[i]
	}
	out[len(out)-1] = budget - used
	return out
}

// recencyWeights ranks inputs newest first and weights them n, n-1, ..., 1.
// Ties keep declaration order.
func recencyWeights(inputs []Input) []int64 {
	n := len(inputs)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return inputs[idx[a]].Timestamp.After(inputs[idx[b]].Timestamp)
	})
	w := make([]int64, n)
	for rank, i := range idx {
		w[i] = int64(n - rank)
	}
	return w
}
