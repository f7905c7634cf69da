package grading

import (
	"math"
	"testing"

	"github.com/provasonline/provas/internal/model"
)

func questions(correct ...int) []model.Question {
	qs := make([]model.Question, len(correct))
	for i, c := range correct {
		qs[i] = model.Question{Question: "Q", Options: []string{"a", "b", "c", "d"}, CorrectAnswer: c}
	}
	return qs
}

func TestScore(t *testing.T) {
	tests := []struct {
		name        string
		correct     []int
		answers     []string
		wantCorrect int
		wantScore   float64
	}{
		{"two of three", []int{0, 1, 2}, []string{"A", "B", "D"}, 2, 2.0 / 3.0 * 10},
		{"case and whitespace", []int{3, 0}, []string{" d ", "a"}, 2, 10},
		{"missing answers", []int{0, 0, 0}, []string{"A"}, 1, 10.0 / 3.0},
		{"blank answer", []int{1}, []string{"  "}, 0, 0},
		{"multi-letter answer", []int{0}, []string{"AB"}, 0, 0},
		{"no questions", nil, []string{"A"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Score(questions(tt.correct...), tt.answers)
			if g.Correct != tt.wantCorrect {
				t.Errorf("correct = %d, want %d", g.Correct, tt.wantCorrect)
			}
			if math.Abs(g.Score-tt.wantScore) > 1e-9 {
				t.Errorf("score = %v, want %v", g.Score, tt.wantScore)
			}
			if g.Total != len(tt.correct) || len(g.Details) != len(tt.correct) {
				t.Errorf("total %d, details %d", g.Total, len(g.Details))
			}
		})
	}
}

func TestScoreDetails(t *testing.T) {
	g := Score(questions(2, 1), []string{"c"})
	if g.Details[0].CorrectAnswer != "C" || g.Details[0].StudentAnswer != "C" || !g.Details[0].Correct {
		t.Errorf("unexpected first detail %+v", g.Details[0])
	}
	if g.Details[1].StudentAnswer != Unanswered || g.Details[1].Correct || g.Details[1].Number != 2 {
		t.Errorf("unexpected second detail %+v", g.Details[1])
	}
}

func TestRound(t *testing.T) {
	if got := Round(2.0/3.0*10, 2); got != 6.67 {
		t.Errorf("Round = %v, want 6.67", got)
	}
	if got := Round(66.666, 1); got != 66.7 {
		t.Errorf("Round = %v, want 66.7", got)
	}
}
