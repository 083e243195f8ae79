package game_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lbaudoin/quizshow/internal/domain"
	"github.com/lbaudoin/quizshow/internal/errors"
	"github.com/lbaudoin/quizshow/internal/event"
	"github.com/lbaudoin/quizshow/internal/game"
	"github.com/lbaudoin/quizshow/internal/store"
	"github.com/lbaudoin/quizshow/internal/store/memory"
)

var testQuestions = []domain.Question{
	{Prompt: "1+1?", Options: []string{"1", "2", "3", "4"}, Correct: "2"},
	{Prompt: "Capital of France?", Options: []string{"Lyon", "Nice", "Paris", "Lille"}, Correct: "Paris"},
}

func TestService_Login(t *testing.T) {
	type outputs struct {
		result game.LoginResult
		err    error
	}

	tests := map[string]struct {
		arrange func(t *testing.T, s *game.Service)
		login   string
		assert  func(t *testing.T, s *game.Service, out outputs)
	}{
		"should reject an empty nickname": {
			login: "   ",
			assert: func(t *testing.T, s *game.Service, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeInvalidArgument))
			},
		},

		"should grant the driver role without creating a participant": {
			login: "ADMIN",
			assert: func(t *testing.T, s *game.Service, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, domain.RoleDriver, out.result.Role)
				require.Nil(t, out.result.Participant)

				ps, err := s.Participants(context.Background())
				require.NoError(t, err)
				require.Empty(t, ps, "driver login should not create a participant")
			},
		},

		"should create a participant and move the session to waiting": {
			login: "alice",
			assert: func(t *testing.T, s *game.Service, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, domain.RolePlayer, out.result.Role)
				require.NotNil(t, out.result.Participant)
				require.Equal(t, "alice", out.result.Participant.Nickname)
				require.Zero(t, out.result.Participant.Score)
				require.False(t, out.result.Participant.JoinedAt.IsZero())

				session, err := s.CurrentSession(context.Background())
				require.NoError(t, err)
				require.Equal(t, domain.PhaseWaiting, session.Phase)
			},
		},

		"should reject a taken nickname": {
			arrange: func(t *testing.T, s *game.Service) {
				_, err := s.Login(context.Background(), "alice")
				require.NoError(t, err)
			},
			login: "alice",
			assert: func(t *testing.T, s *game.Service, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeAlreadyExists))
			},
		},

		"should treat differently cased nicknames as distinct": {
			arrange: func(t *testing.T, s *game.Service) {
				_, err := s.Login(context.Background(), "alice")
				require.NoError(t, err)
			},
			login: "Alice",
			assert: func(t *testing.T, s *game.Service, out outputs) {
				require.NoError(t, out.err)

				ps, err := s.Participants(context.Background())
				require.NoError(t, err)
				require.Len(t, ps, 2)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s, _ := makeService(t)
			if tt.arrange != nil {
				tt.arrange(t, s)
			}

			res, err := s.Login(context.Background(), tt.login)
			tt.assert(t, s, outputs{result: res, err: err})
		})
	}
}

// The three-player round: a correct answer at 4s, a wrong answer at 10s and
// a missed question must land on +5/4s, -5/10s and -5/0s.
func TestService_SubmitAnswer_Scoring(t *testing.T) {
	ctx := context.Background()
	s, clk := makeService(t)

	p1 := login(t, s, "p1")
	p2 := login(t, s, "p2")
	p3 := login(t, s, "p3")

	require.NoError(t, s.Start(ctx))

	clk.Advance(4 * time.Second)
	res, err := s.SubmitAnswer(ctx, p1.ID, 0, "2")
	require.NoError(t, err)
	require.True(t, res.Correct)
	require.Equal(t, 5, res.ScoreDelta)
	require.Equal(t, 5, res.Score)
	require.Equal(t, 4, res.TimeTaken)
	require.Equal(t, 4, res.TotalAnswerTime)

	clk.Advance(6 * time.Second)
	res, err = s.SubmitAnswer(ctx, p2.ID, 0, "3")
	require.NoError(t, err)
	require.False(t, res.Correct)
	require.Equal(t, -5, res.ScoreDelta)
	require.Equal(t, -5, res.Score)
	require.Equal(t, 10, res.TimeTaken)

	// p3 never answers; the penalty lands when the question closes.
	require.NoError(t, s.AdvanceToReveal(ctx, 0))

	byName := participantsByName(t, s)
	require.Equal(t, 5, byName["p1"].Score)
	require.Equal(t, 4, byName["p1"].TotalAnswerTime)
	require.Equal(t, -5, byName["p2"].Score)
	require.Equal(t, 10, byName["p2"].TotalAnswerTime)
	require.Equal(t, p3.ID, byName["p3"].ID)
	require.Equal(t, -5, byName["p3"].Score)
	require.Equal(t, 0, byName["p3"].TotalAnswerTime, "missed questions never charge time")
}

func TestService_SubmitAnswer_Rejections(t *testing.T) {
	ctx := context.Background()
	s, clk := makeService(t)

	p1 := login(t, s, "p1")

	_, err := s.SubmitAnswer(ctx, p1.ID, 0, "2")
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "no answers outside in_question")

	require.NoError(t, s.Start(ctx))

	clk.Advance(2 * time.Second)
	first, err := s.SubmitAnswer(ctx, p1.ID, 0, "2")
	require.NoError(t, err)

	// The second submission is rejected and the first one stands.
	clk.Advance(2 * time.Second)
	_, err = s.SubmitAnswer(ctx, p1.ID, 0, "3")
	require.True(t, errors.Is(err, errors.CodeAlreadyExists))

	byName := participantsByName(t, s)
	require.Equal(t, first.Score, byName["p1"].Score)
	require.Equal(t, first.TotalAnswerTime, byName["p1"].TotalAnswerTime)

	_, err = s.SubmitAnswer(ctx, p1.ID, 1, "Paris")
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "only the live question accepts answers")

	_, err = s.SubmitAnswer(ctx, "nobody-1", 0, "2")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

// Walks the whole session forward and checks the fixed phase sequence for
// an N-question deck: waiting, then question/reveal per question, then
// finished. PhaseStartedAt must exist exactly while a question is live.
func TestService_PhaseSequence(t *testing.T) {
	ctx := context.Background()
	s, _ := makeService(t)

	login(t, s, "p1")

	session, err := s.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseWaiting, session.Phase)
	require.Equal(t, -1, session.QuestionIndex)

	require.NoError(t, s.Start(ctx))

	for i := range testQuestions {
		session, err = s.CurrentSession(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.PhaseInQuestion, session.Phase)
		require.Equal(t, i, session.QuestionIndex)
		require.False(t, session.PhaseStartedAt.IsZero(), "a live question carries its start timestamp")

		require.NoError(t, s.AdvanceToReveal(ctx, i))

		session, err = s.CurrentSession(ctx)
		require.NoError(t, err)
		require.Equal(t, domain.PhaseRevealAnswer, session.Phase)
		require.True(t, session.PhaseStartedAt.IsZero(), "the timestamp is cleared outside in_question")

		require.NoError(t, s.AdvanceFromReveal(ctx))
	}

	session, err = s.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseFinished, session.Phase)

	// Advancing a finished session changes nothing.
	require.NoError(t, s.AdvanceFromReveal(ctx))
	again, err := s.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, session, again)
}

// sweepObservingStore lets a test run code at the moment the no-answer
// sweep reads the roster, in the middle of closing a question.
type sweepObservingStore struct {
	store.Store
	onList func()
}

func (s *sweepObservingStore) ListDocuments(ctx context.Context, collection string) ([]store.Document, error) {
	if s.onList != nil && collection == game.CollectionParticipants {
		f := s.onList
		s.onList = nil
		f()
	}
	return s.Store.ListDocuments(ctx, collection)
}

// A submission landing while the question is being closed must be rejected
// outright: the participant either keeps a fully counted answer or ends up
// with the no-answer penalty and no answer on record. A half-applied state
// (answer recorded, score swept) must be impossible.
func TestService_AdvanceToReveal_RejectsRacingSubmission(t *testing.T) {
	ctx := context.Background()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	st := &sweepObservingStore{Store: memory.NewWithClock(clk)}

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	s := game.NewService(game.Config{
		Store:     st,
		EventBus:  eb,
		Clock:     clk,
		Questions: testQuestions,
	})
	_, err := s.EnsureSession(ctx)
	require.NoError(t, err)

	p1 := login(t, s, "p1")
	require.NoError(t, s.Start(ctx))

	var submitErr error
	st.onList = func() {
		_, submitErr = s.SubmitAnswer(ctx, p1.ID, 0, "2")
	}

	require.NoError(t, s.AdvanceToReveal(ctx, 0))

	require.True(t, errors.Is(submitErr, errors.CodeFailedPrecondition),
		"the question closed before the sweep, so the submission is rejected")

	byName := participantsByName(t, s)
	require.Equal(t, -5, byName["p1"].Score)
	require.Empty(t, byName["p1"].Answers, "no answer may be recorded for a rejected submission")
}

func TestService_AdvanceToReveal_Stale(t *testing.T) {
	ctx := context.Background()
	s, _ := makeService(t)

	login(t, s, "p1")
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.AdvanceToReveal(ctx, 0))
	require.NoError(t, s.AdvanceFromReveal(ctx))

	// A late close for question 0 arrives while question 1 is live.
	require.NoError(t, s.AdvanceToReveal(ctx, 0))

	session, err := s.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseInQuestion, session.Phase)
	require.Equal(t, 1, session.QuestionIndex)

	byName := participantsByName(t, s)
	require.Equal(t, -5, byName["p1"].Score, "the stale close must not re-apply penalties")
}

func TestService_RevealResults(t *testing.T) {
	ctx := context.Background()
	s, _ := makeService(t)

	login(t, s, "p1")
	require.NoError(t, s.Start(ctx))

	err := s.RevealResults(ctx)
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "results stay hidden until the game is over")

	for i := range testQuestions {
		require.NoError(t, s.AdvanceToReveal(ctx, i))
		require.NoError(t, s.AdvanceFromReveal(ctx))
	}

	require.NoError(t, s.RevealResults(ctx))

	session, err := s.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseFinished, session.Phase)
	require.True(t, session.ResultsRevealed)
}

func TestService_Reset(t *testing.T) {
	ctx := context.Background()
	s, clk := makeService(t)

	p1 := login(t, s, "p1")
	require.NoError(t, s.Start(ctx))

	clk.Advance(3 * time.Second)
	_, err := s.SubmitAnswer(ctx, p1.ID, 0, "2")
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	session, err := s.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseLobby, session.Phase)
	require.Equal(t, -1, session.QuestionIndex)
	require.False(t, session.ResultsRevealed)

	byName := participantsByName(t, s)
	p := byName["p1"]
	require.Zero(t, p.Score)
	require.Zero(t, p.TotalAnswerTime)
	require.Empty(t, p.Answers)
	require.Equal(t, p1.ID, p.ID, "identities survive a reset")
}

func makeService(t *testing.T) (*game.Service, *clockwork.FakeClock) {
	clk := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	s := game.NewService(game.Config{
		Store:     memory.NewWithClock(clk),
		EventBus:  eb,
		Clock:     clk,
		Questions: testQuestions,
	})

	_, err := s.EnsureSession(context.Background())
	require.NoError(t, err)

	return s, clk
}

func login(t *testing.T, s *game.Service, nickname string) *domain.Participant {
	t.Helper()

	res, err := s.Login(context.Background(), nickname)
	require.NoError(t, err)
	require.NotNil(t, res.Participant)
	return res.Participant
}

func participantsByName(t *testing.T, s *game.Service) map[string]domain.Participant {
	t.Helper()

	ps, err := s.Participants(context.Background())
	require.NoError(t, err)

	byName := make(map[string]domain.Participant, len(ps))
	for _, p := range ps {
		byName[p.Nickname] = p
	}
	return byName
}
