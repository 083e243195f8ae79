package game

import (
	"fmt"

	"github.com/lbaudoin/quizshow/internal/domain"
)

// DefaultQuestions returns the built-in deck used when the config file does
// not supply one: ten questions, four options each.
func DefaultQuestions() []domain.Question {
	correct := []string{"C", "A", "B", "D", "A", "C", "D", "B", "A", "C"}

	qs := make([]domain.Question, 0, len(correct))
	for i, c := range correct {
		qs = append(qs, domain.Question{
			Prompt:  fmt.Sprintf("Question %d", i+1),
			Options: []string{"Answer A", "Answer B", "Answer C", "Answer D"},
			Correct: "Answer " + c,
			Image:   fmt.Sprintf("/assets/questions/%d.jpg", i+1),
		})
	}
	return qs
}

// ValidateQuestions rejects decks the state machine cannot run: every
// question needs exactly four options, one of which is the correct one.
func ValidateQuestions(qs []domain.Question) error {
	if len(qs) == 0 {
		return fmt.Errorf("question deck is empty")
	}

	for i, q := range qs {
		if q.Prompt == "" {
			return fmt.Errorf("question %d: empty prompt", i)
		}
		if len(q.Options) != 4 {
			return fmt.Errorf("question %d: want 4 options, got %d", i, len(q.Options))
		}
		found := false
		for _, o := range q.Options {
			if o == q.Correct {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("question %d: correct option %q not among options", i, q.Correct)
		}
	}
	return nil
}
