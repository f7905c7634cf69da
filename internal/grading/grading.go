// Package grading scores multiple-choice answers against an exam's key.
package grading

import (
	"math"
	"strings"

	"github.com/provasonline/provas/internal/model"
)

// Unanswered is the student answer recorded for a blank response.
const Unanswered = "Não respondida"

// Grade is the outcome of scoring one submission.
type Grade struct {
	Correct    int
	Total      int
	Score      float64 // 0-10, unrounded
	Percentage float64 // 0-100, unrounded
	Details    []model.ResultDetail
}

// Letter returns the option letter for a zero-based option index.
func Letter(index int) string {
	return string(rune('A' + index))
}

// Score compares each answer with the correct option letter of the
// matching question. Answers are compared upper-cased and trimmed; missing
// answers count as wrong.
func Score(questions []model.Question, answers []string) Grade {
	g := Grade{Total: len(questions), Details: make([]model.ResultDetail, 0, len(questions))}
	for i, q := range questions {
		want := Letter(q.CorrectAnswer)
		got := ""
		if i < len(answers) {
			got = strings.ToUpper(strings.TrimSpace(answers[i]))
		}
		ok := got != "" && got == want
		if ok {
			g.Correct++
		}
		if got == "" {
			got = Unanswered
		}
		g.Details = append(g.Details, model.ResultDetail{
			Number:        i + 1,
			Question:      q.Question,
			StudentAnswer: got,
			CorrectAnswer: want,
			Correct:       ok,
			Explanation:   q.Explanation,
		})
	}
	if g.Total > 0 {
		g.Score = float64(g.Correct) / float64(g.Total) * 10
		g.Percentage = float64(g.Correct) / float64(g.Total) * 100
	}
	return g
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
