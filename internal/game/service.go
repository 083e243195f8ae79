// Package game holds the session state machine. Every mutation of the
// shared session document and of participant scores goes through this
// service; nothing else writes game state.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lbaudoin/quizshow/internal/domain"
	"github.com/lbaudoin/quizshow/internal/errors"
	"github.com/lbaudoin/quizshow/internal/event"
	"github.com/lbaudoin/quizshow/internal/store"
)

const (
	DefaultDriverName      = "admin"
	DefaultQuestionSeconds = 20
	DefaultRevealSeconds   = 3

	answerPoints  = 5
	penaltyPoints = 5
)

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	Clock    clockwork.Clock

	// Questions is the fixed ordered deck. Defaults to DefaultQuestions.
	Questions []domain.Question
	// DriverName is the reserved nickname granting the driver role,
	// matched case-insensitively.
	DriverName      string
	QuestionSeconds int
	RevealSeconds   int
}

type Service struct {
	store store.Store
	eb    *event.Bus
	clock clockwork.Clock

	questions       []domain.Question
	driverName      string
	questionSeconds int
	revealSeconds   int
}

func NewService(c Config) *Service {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Questions) == 0 {
		c.Questions = DefaultQuestions()
	}
	if c.DriverName == "" {
		c.DriverName = DefaultDriverName
	}
	if c.QuestionSeconds <= 0 {
		c.QuestionSeconds = DefaultQuestionSeconds
	}
	if c.RevealSeconds <= 0 {
		c.RevealSeconds = DefaultRevealSeconds
	}

	return &Service{
		store:           c.Store,
		eb:              c.EventBus,
		clock:           c.Clock,
		questions:       c.Questions,
		driverName:      c.DriverName,
		questionSeconds: c.QuestionSeconds,
		revealSeconds:   c.RevealSeconds,
	}
}

func (s *Service) Questions() []domain.Question { return s.questions }

func (s *Service) Now() time.Time { return s.clock.Now() }

func (s *Service) QuestionDuration() time.Duration {
	return time.Duration(s.questionSeconds) * time.Second
}

func (s *Service) RevealDuration() time.Duration {
	return time.Duration(s.revealSeconds) * time.Second
}

// Remaining derives the time left in the current question from the
// authoritative phase-start timestamp. Recomputed on demand, never cached,
// so late joiners and skewed clocks converge on the same boundary.
func (s *Service) Remaining(now, startedAt time.Time) time.Duration {
	d := s.QuestionDuration() - now.Sub(startedAt)
	if d < 0 {
		return 0
	}
	return d
}

// RoleFor resolves the role a nickname was granted at login.
func (s *Service) RoleFor(nickname string) domain.Role {
	if strings.EqualFold(strings.TrimSpace(nickname), s.driverName) {
		return domain.RoleDriver
	}
	return domain.RolePlayer
}

// EnsureSession initializes the session document to the Lobby default when
// absent. Concurrent first-run initializers race benignly: both write the
// same defaults, last write wins.
func (s *Service) EnsureSession(ctx context.Context) (domain.Session, error) {
	doc, err := s.store.GetDocument(ctx, CollectionSession, SessionDocumentID)
	if err == nil {
		return DecodeSession(doc.Fields), nil
	}
	if err != store.ErrNotFound {
		return domain.Session{}, fmt.Errorf("game: read session: %w", err)
	}

	if err := s.store.SetDocument(ctx, CollectionSession, SessionDocumentID, lobbySessionFields()); err != nil {
		return domain.Session{}, fmt.Errorf("game: init session: %w", err)
	}
	return domain.Session{Phase: domain.PhaseLobby, QuestionIndex: -1}, nil
}

// CurrentSession reads the shared session aggregate.
func (s *Service) CurrentSession(ctx context.Context) (domain.Session, error) {
	doc, err := s.store.GetDocument(ctx, CollectionSession, SessionDocumentID)
	if err == store.ErrNotFound {
		return s.EnsureSession(ctx)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("game: read session: %w", err)
	}
	return DecodeSession(doc.Fields), nil
}

// Participants returns the current roster.
func (s *Service) Participants(ctx context.Context) ([]domain.Participant, error) {
	docs, err := s.store.ListDocuments(ctx, CollectionParticipants)
	if err != nil {
		return nil, fmt.Errorf("game: list participants: %w", err)
	}

	out := make([]domain.Participant, 0, len(docs))
	for _, d := range docs {
		out = append(out, DecodeParticipant(d))
	}
	return out, nil
}

type LoginResult struct {
	Role        domain.Role
	Participant *domain.Participant
}

// Login registers a nickname. The reserved driver name grants the driver
// role without creating a participant; any other nickname must be unique
// (exact match) and becomes a participant document. The first participant
// login while the session is in Lobby moves it to Waiting.
func (s *Service) Login(ctx context.Context, nickname string) (LoginResult, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return LoginResult{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("nickname must not be empty"))
	}

	session, err := s.EnsureSession(ctx)
	if err != nil {
		return LoginResult{}, err
	}

	if s.RoleFor(nickname) == domain.RoleDriver {
		return LoginResult{Role: domain.RoleDriver}, nil
	}

	existing, err := s.store.QueryWhere(ctx, CollectionParticipants, fieldNickname, nickname)
	if err != nil {
		return LoginResult{}, fmt.Errorf("game: nickname uniqueness check: %w", err)
	}
	if len(existing) > 0 {
		return LoginResult{}, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("nickname %q is already taken", nickname))
	}

	id := fmt.Sprintf("%s-%d", nickname, s.clock.Now().UnixMilli())
	fields := map[string]any{
		fieldNickname:        nickname,
		fieldScore:           0,
		fieldTotalAnswerTime: 0,
		fieldJoinedAt:        store.ServerTimestamp(),
		fieldAnswers:         map[string]any{},
	}
	if err := s.store.SetDocument(ctx, CollectionParticipants, id, fields); err != nil {
		return LoginResult{}, fmt.Errorf("game: create participant: %w", err)
	}

	doc, err := s.store.GetDocument(ctx, CollectionParticipants, id)
	if err != nil {
		return LoginResult{}, fmt.Errorf("game: read back participant: %w", err)
	}
	p := DecodeParticipant(doc)

	if session.Phase == domain.PhaseLobby {
		if err := s.transition(ctx, map[string]any{fieldPhase: string(domain.PhaseWaiting)}); err != nil {
			return LoginResult{}, err
		}
	}

	s.publish(ctx, domain.EventParticipantJoined{Participant: p})
	return LoginResult{Role: domain.RolePlayer, Participant: &p}, nil
}

// Start is the driver command moving the session into the first question
// with a freshly server-stamped phase start. Any previous reveal flag is
// cleared.
func (s *Service) Start(ctx context.Context) error {
	session, err := s.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseLobby && session.Phase != domain.PhaseWaiting {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("cannot start from phase %q", session.Phase))
	}

	fields := map[string]any{
		fieldPhase:           string(domain.PhaseInQuestion),
		fieldQuestionIndex:   0,
		fieldResultsRevealed: false,
		fieldPhaseStartedAt:  store.ServerTimestamp(),
	}
	if err := s.store.SetDocument(ctx, CollectionSession, SessionDocumentID, fields); err != nil {
		return fmt.Errorf("game: start session: %w", err)
	}
	return s.publishPhase(ctx)
}

// SubmitAnswer scores exactly one submission per participant per question.
// A second submission for the same question is rejected and the first
// answer stands.
func (s *Service) SubmitAnswer(ctx context.Context, participantID string, questionIndex int, option string) (domain.AnswerResult, error) {
	session, err := s.CurrentSession(ctx)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if session.Phase != domain.PhaseInQuestion || session.QuestionIndex != questionIndex {
		return domain.AnswerResult{}, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("question %d is not accepting answers", questionIndex))
	}

	doc, err := s.store.GetDocument(ctx, CollectionParticipants, participantID)
	if err == store.ErrNotFound {
		return domain.AnswerResult{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("unknown participant %q", participantID))
	}
	if err != nil {
		return domain.AnswerResult{}, fmt.Errorf("game: read participant: %w", err)
	}
	p := DecodeParticipant(doc)

	if p.Answered(questionIndex) {
		return domain.AnswerResult{}, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("participant %q already answered question %d", p.Nickname, questionIndex))
	}

	question := s.questions[questionIndex]
	correct := option == question.Correct

	delta := answerPoints
	if !correct {
		delta = -answerPoints
	}

	remaining := s.Remaining(s.clock.Now(), session.PhaseStartedAt)
	timeTaken := s.questionSeconds - int(remaining/time.Second)
	if timeTaken < 0 {
		timeTaken = 0
	}
	if timeTaken > s.questionSeconds {
		timeTaken = s.questionSeconds
	}

	p.Score += delta
	p.TotalAnswerTime += timeTaken
	p.Answers[questionIndex] = option

	update := map[string]any{
		fieldScore:           p.Score,
		fieldTotalAnswerTime: p.TotalAnswerTime,
		fieldAnswers:         encodeAnswers(p.Answers),
	}
	if err := s.store.UpdateDocument(ctx, CollectionParticipants, participantID, update); err != nil {
		return domain.AnswerResult{}, fmt.Errorf("game: record answer: %w", err)
	}

	s.publish(ctx, domain.EventScoreUpdated{Participant: p})
	return domain.AnswerResult{
		Correct:         correct,
		ScoreDelta:      delta,
		Score:           p.Score,
		TimeTaken:       timeTaken,
		TotalAnswerTime: p.TotalAnswerTime,
	}, nil
}

// AdvanceToReveal closes the given question. The phase write comes first:
// once it lands, SubmitAnswer rejects the question, so the no-answer sweep
// below reads a settled roster and a submission racing the close is either
// fully counted or fully rejected, never half-applied. The sweep then
// penalizes every participant without an answer on record for the outgoing
// question. Stale calls (phase or index moved on) no-op on the phase check,
// which also keeps the sweep from running twice; the sweep itself has a
// single caller, the driver loop. Phase and index are re-checked here, so
// a late timer cannot close the wrong question.
func (s *Service) AdvanceToReveal(ctx context.Context, questionIndex int) error {
	session, err := s.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseInQuestion || session.QuestionIndex != questionIndex {
		return nil
	}

	if err := s.transition(ctx, map[string]any{
		fieldPhase:          string(domain.PhaseRevealAnswer),
		fieldPhaseStartedAt: store.DeleteField(),
	}); err != nil {
		return err
	}

	participants, err := s.Participants(ctx)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p.Answered(questionIndex) {
			continue
		}
		p.Score -= penaltyPoints
		update := map[string]any{fieldScore: p.Score}
		if err := s.store.UpdateDocument(ctx, CollectionParticipants, p.ID, update); err != nil {
			// A lost penalty shows up as stale state until the next write,
			// accepted for this tool. Keep going; the question is closed.
			slog.ErrorContext(ctx, "game: no-answer penalty write failed",
				"participant", p.ID, "question", questionIndex, "error", err)
			continue
		}
		s.publish(ctx, domain.EventScoreUpdated{Participant: p})
	}

	return nil
}

// AdvanceFromReveal moves on to the next question, or to Finished when the
// deck is exhausted. Stale calls are no-ops.
func (s *Service) AdvanceFromReveal(ctx context.Context) error {
	session, err := s.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseRevealAnswer {
		return nil
	}

	next := session.QuestionIndex + 1
	if next < len(s.questions) {
		return s.transition(ctx, map[string]any{
			fieldPhase:          string(domain.PhaseInQuestion),
			fieldQuestionIndex:  next,
			fieldPhaseStartedAt: store.ServerTimestamp(),
		})
	}
	return s.transition(ctx, map[string]any{
		fieldPhase: string(domain.PhaseFinished),
	})
}

// RevealResults flips the leaderboard gate. The phase stays Finished.
func (s *Service) RevealResults(ctx context.Context) error {
	session, err := s.CurrentSession(ctx)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseFinished {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("cannot reveal results from phase %q", session.Phase))
	}
	return s.transition(ctx, map[string]any{fieldResultsRevealed: true})
}

// Reset returns to the Lobby from any phase. Scores and accumulated answer
// times go back to zero; identities and nicknames survive.
func (s *Service) Reset(ctx context.Context) error {
	participants, err := s.Participants(ctx)
	if err != nil {
		return err
	}
	for _, p := range participants {
		update := map[string]any{
			fieldScore:           0,
			fieldTotalAnswerTime: 0,
			fieldAnswers:         map[string]any{},
		}
		if err := s.store.UpdateDocument(ctx, CollectionParticipants, p.ID, update); err != nil {
			return fmt.Errorf("game: reset participant %s: %w", p.ID, err)
		}
	}

	if err := s.store.SetDocument(ctx, CollectionSession, SessionDocumentID, lobbySessionFields()); err != nil {
		return fmt.Errorf("game: reset session: %w", err)
	}
	return s.publishPhase(ctx)
}

// transition merges fields into the session document and announces the
// resulting state.
func (s *Service) transition(ctx context.Context, fields map[string]any) error {
	if err := s.store.UpdateDocument(ctx, CollectionSession, SessionDocumentID, fields); err != nil {
		return fmt.Errorf("game: session transition: %w", err)
	}
	return s.publishPhase(ctx)
}

func (s *Service) publishPhase(ctx context.Context) error {
	session, err := s.CurrentSession(ctx)
	if err != nil {
		return err
	}
	s.publish(ctx, domain.EventPhaseChanged{Session: session})
	return nil
}

func (s *Service) publish(ctx context.Context, e event.Event) {
	if s.eb != nil {
		s.eb.Publish(ctx, e)
	}
}
