package backend

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// scoreStub returns canned log probabilities per target.
type scoreStub struct {
	scores [][]float64
	err    error
	calls  int
}

func (s *scoreStub) Generate(context.Context, string, int) (string, error) {
	return "", errors.New("not implemented")
}

func (s *scoreStub) Score(_ context.Context, _ string, targets []string) ([][]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.scores[:len(targets)], nil
}

func TestPPL(t *testing.T) {
	require.InDelta(t, math.Exp(0.5), PPL([]float64{-0.5}), 1e-9)
	require.InDelta(t, math.Exp(1.0), PPL([]float64{-0.5, -1.5}), 1e-9)
	require.True(t, math.IsInf(PPL(nil), 1))
}

func TestRankAnswersOrdersByPerplexity(t *testing.T) {
	// Answer 1 has the lowest perplexity, then 2, then 0.
	stub := &scoreStub{scores: [][]float64{
		{-3.0},
		{-0.1},
		{-1.0},
	}}

	indexes, err := RankAnswers(context.Background(), stub, "prompt", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 0}, indexes)
}

func TestRankAnswersStableOnTies(t *testing.T) {
	stub := &scoreStub{scores: [][]float64{
		{-1.0},
		{-1.0},
	}}

	indexes, err := RankAnswers(context.Background(), stub, "prompt", []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, indexes)
}

func TestRankAnswersEmpty(t *testing.T) {
	stub := &scoreStub{}

	indexes, err := RankAnswers(context.Background(), stub, "prompt", nil)
	require.NoError(t, err)
	require.Empty(t, indexes)
	require.Zero(t, stub.calls, "no backend call for an empty answer list")
}

func TestRankAnswersScoreError(t *testing.T) {
	stub := &scoreStub{err: errors.New("boom")}

	_, err := RankAnswers(context.Background(), stub, "prompt", []string{"a"})
	require.Error(t, err)
}
