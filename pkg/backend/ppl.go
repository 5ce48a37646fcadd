package backend

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// PPL computes the perplexity of a scored sequence: exp(-mean(logProbs)).
// Lower is better.
func PPL(logProbs []float64) float64 {
	if len(logProbs) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, lp := range logProbs {
		sum += lp
	}
	return math.Exp(-sum / float64(len(logProbs)))
}

// RankAnswers scores each answer as a continuation of the prompt and
// returns answer indexes ordered best (lowest perplexity) to worst. Ties
// keep their original relative order.
func RankAnswers(ctx context.Context, b Backend, prompt string, answers []string) ([]int, error) {
	if len(answers) == 0 {
		return []int{}, nil
	}

	logProbs, err := b.Score(ctx, prompt, answers)
	if err != nil {
		return nil, err
	}
	if len(logProbs) != len(answers) {
		return nil, fmt.Errorf("%w: scored %d of %d answers", ErrBackend, len(logProbs), len(answers))
	}

	ppls := make([]float64, len(answers))
	for i, lp := range logProbs {
		ppls[i] = PPL(lp)
	}

	indexes := make([]int, len(answers))
	for i := range indexes {
		indexes[i] = i
	}
	sort.SliceStable(indexes, func(a, b int) bool {
		return ppls[indexes[a]] < ppls[indexes[b]]
	})
	return indexes, nil
}
