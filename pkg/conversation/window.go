// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package conversation

// Window trims model context to a token budget.
type Window struct {
	// MaxTokens is the context ceiling of the model. Zero disables trimming.
	MaxTokens int
	// Ratio is the share of MaxTokens the context may use before the oldest
	// turns are dropped.
	Ratio   float64
	Counter TokenCounter
}

// DefaultRatio leaves headroom for the completion.
const DefaultRatio = 0.9

// Budget returns the number of tokens the context may use.
func (w Window) Budget() int {
	ratio := w.Ratio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultRatio
	}
	return int(float64(w.MaxTokens) * ratio)
}

// Fit returns the turns the model should see. System turns are always kept
// and keep their position; other turns are dropped oldest first until the
// total fits the budget. The newest non-system turn is never dropped. The
// second return value is the number of turns dropped.
func (w Window) Fit(turns []Turn) ([]Turn, int) {
	if w.MaxTokens <= 0 || len(turns) == 0 {
		return turns, 0
	}
	counter := w.Counter
	if counter == nil {
		counter = ApproxCounter{}
	}

	costs := make([]int, len(turns))
	total := 0
	lastOther := -1
	for i, t := range turns {
		costs[i] = CountTurn(counter, t)
		total += costs[i]
		if t.Role != RoleSystem {
			lastOther = i
		}
	}

	budget := w.Budget()
	if total <= budget {
		return turns, 0
	}

	drop := make([]bool, len(turns))
	dropped := 0
	for i := 0; i < len(turns) && total > budget; i++ {
		if turns[i].Role == RoleSystem || i == lastOther {
			continue
		}
		drop[i] = true
		total -= costs[i]
		dropped++
	}

	out := make([]Turn, 0, len(turns)-dropped)
	for i, t := range turns {
		if !drop[i] {
			out = append(out, t)
		}
	}
	return out, dropped
}
