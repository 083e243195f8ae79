package game

import (
	"strconv"

	"github.com/lbaudoin/quizshow/internal/domain"
	"github.com/lbaudoin/quizshow/internal/store"
)

// Persisted layout: one session document plus one participants collection.
const (
	CollectionSession      = "quiz"
	SessionDocumentID      = "sessionState"
	CollectionParticipants = "participants"
)

const (
	fieldPhase           = "phase"
	fieldQuestionIndex   = "questionIndex"
	fieldPhaseStartedAt  = "phaseStartedAt"
	fieldResultsRevealed = "resultsRevealed"

	fieldNickname        = "nickname"
	fieldScore           = "score"
	fieldTotalAnswerTime = "totalAnswerTime"
	fieldJoinedAt        = "joinedAt"
	fieldAnswers         = "answers"
)

// DecodeSession maps a session snapshot back into the aggregate. Missing or
// malformed fields fall back to the Lobby defaults, so a half-written
// first-run document still decodes.
func DecodeSession(fields map[string]any) domain.Session {
	s := domain.Session{
		Phase:         domain.PhaseLobby,
		QuestionIndex: -1,
	}
	if p, ok := fields[fieldPhase].(string); ok && p != "" {
		s.Phase = domain.Phase(p)
	}
	if n, ok := asInt(fields[fieldQuestionIndex]); ok {
		s.QuestionIndex = n
	}
	if t, ok := store.DecodeTime(fields[fieldPhaseStartedAt]); ok {
		s.PhaseStartedAt = t
	}
	if b, ok := fields[fieldResultsRevealed].(bool); ok {
		s.ResultsRevealed = b
	}
	return s
}

func lobbySessionFields() map[string]any {
	return map[string]any{
		fieldPhase:           string(domain.PhaseLobby),
		fieldQuestionIndex:   -1,
		fieldResultsRevealed: false,
	}
}

// DecodeParticipant maps a participant document back into the domain type.
func DecodeParticipant(doc store.Document) domain.Participant {
	p := domain.Participant{
		ID:      doc.ID,
		Answers: make(map[int]string),
	}
	if s, ok := doc.Fields[fieldNickname].(string); ok {
		p.Nickname = s
	}
	if n, ok := asInt(doc.Fields[fieldScore]); ok {
		p.Score = n
	}
	if n, ok := asInt(doc.Fields[fieldTotalAnswerTime]); ok {
		p.TotalAnswerTime = n
	}
	if t, ok := store.DecodeTime(doc.Fields[fieldJoinedAt]); ok {
		p.JoinedAt = t
	}
	// Answer keys are question indexes; JSON forces them to strings.
	if m, ok := doc.Fields[fieldAnswers].(map[string]any); ok {
		for k, v := range m {
			idx, err := strconv.Atoi(k)
			opt, isStr := v.(string)
			if err == nil && isStr {
				p.Answers[idx] = opt
			}
		}
	}
	return p
}

func encodeAnswers(answers map[int]string) map[string]any {
	out := make(map[string]any, len(answers))
	for idx, opt := range answers {
		out[strconv.Itoa(idx)] = opt
	}
	return out
}

// asInt tolerates the numeric types a JSON round-trip can produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
