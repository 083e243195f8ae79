package domain

import "time"

// Phase is one state of the shared session state machine.
type Phase string

const (
	PhaseLobby        Phase = "lobby"
	PhaseWaiting      Phase = "waiting"
	PhaseInQuestion   Phase = "in_question"
	PhaseRevealAnswer Phase = "reveal_answer"
	PhaseFinished     Phase = "finished"
)

// Timed reports whether the phase auto-advances on a timer.
func (p Phase) Timed() bool {
	return p == PhaseInQuestion || p == PhaseRevealAnswer
}

// Role is assigned once at login and carried by the client from then on.
type Role string

const (
	RolePlayer Role = "player"
	RoleDriver Role = "driver"
)

// Session is the single shared session aggregate.
// PhaseStartedAt is set iff Phase == PhaseInQuestion.
type Session struct {
	Phase           Phase
	QuestionIndex   int
	PhaseStartedAt  time.Time
	ResultsRevealed bool
}

// Participant is one logged-in player. The driver identity is never
// persisted as a participant.
type Participant struct {
	ID       string
	Nickname string
	// Score is signed: +5 per correct answer, -5 per incorrect or missed one.
	Score int
	// TotalAnswerTime accumulates whole seconds from question start to answer.
	// Missed questions add nothing.
	TotalAnswerTime int
	JoinedAt        time.Time
	// Answers maps answered question index to the chosen option.
	Answers map[int]string
}

// Answered reports whether the participant already answered the question.
func (p Participant) Answered(questionIndex int) bool {
	_, ok := p.Answers[questionIndex]
	return ok
}

// Question is one entry of the fixed, ordered question list.
type Question struct {
	Prompt  string   `mapstructure:"prompt" json:"prompt"`
	Options []string `mapstructure:"options" json:"options"`
	Correct string   `mapstructure:"correct" json:"correct"`
	Image   string   `mapstructure:"image" json:"image"`
}

// AnswerResult summarizes one scored submission.
type AnswerResult struct {
	Correct         bool
	ScoreDelta      int
	Score           int
	TimeTaken       int
	TotalAnswerTime int
}

// Results is the final aggregation over the participant set, recomputed on
// demand and never persisted.
type Results struct {
	// Ranking holds every participant, best score first.
	Ranking []Participant
	// Winner is the top of the ranking, nil while the roster is empty.
	Winner *Participant
	// Fastest has the lowest TotalAnswerTime among positive scores.
	Fastest *Participant
	// Lowest has the lowest score overall.
	Lowest *Participant
}
