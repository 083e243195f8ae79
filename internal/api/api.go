package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/lbaudoin/quizshow/internal/domain"
	"github.com/lbaudoin/quizshow/internal/errors"
	"github.com/lbaudoin/quizshow/internal/event"
	"github.com/lbaudoin/quizshow/internal/game"
	"github.com/lbaudoin/quizshow/internal/leaderboard"
	"github.com/lbaudoin/quizshow/internal/store"
)

// nicknameHeader identifies the caller on gated endpoints. The role is
// re-derived from the nickname on every request, never trusted from a
// client-side claim.
const nicknameHeader = "X-Nickname"

type Config struct {
	Router      *gin.Engine
	EventBus    *event.Bus
	Game        *game.Service
	Leaderboard *leaderboard.Service
	Store       store.Store

	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	game        *game.Service
	leaderboard *leaderboard.Service
	store       store.Store

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		game:        c.Game,
		leaderboard: c.Leaderboard,
		store:       c.Store,
		redis:       c.Redis,
		prefix:      c.PubsubPrefix,
	}

	a.routes(c.Router)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

func (a *API) routes(r *gin.Engine) {
	g := r.Group("/api")

	g.POST("/login", a.login)
	g.GET("/session", a.session)
	g.GET("/question", a.question)
	g.POST("/answer", a.answer)
	g.GET("/results", a.results)

	g.POST("/session/start", a.driverOnly, a.start)
	g.POST("/session/reveal", a.driverOnly, a.reveal)
	g.POST("/session/reset", a.driverOnly, a.reset)

	r.GET("/ws", a.serveWS)
}

// driverOnly gates session commands on the caller's derived role.
func (a *API) driverOnly(c *gin.Context) {
	if a.game.RoleFor(c.GetHeader(nicknameHeader)) != domain.RoleDriver {
		abortError(c, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("driver role required")))
		return
	}

	c.Next()
}

type (
	loginRequest struct {
		Nickname string `json:"nickname"`
	}

	loginResponse struct {
		Role        domain.Role      `json:"role"`
		Participant *participantView `json:"participant,omitempty"`
	}

	answerRequest struct {
		ParticipantID string `json:"participantId"`
		QuestionIndex int    `json:"questionIndex"`
		Option        string `json:"option"`
	}

	answerResponse struct {
		Correct         bool `json:"correct"`
		ScoreDelta      int  `json:"scoreDelta"`
		Score           int  `json:"score"`
		TimeTaken       int  `json:"timeTaken"`
		TotalAnswerTime int  `json:"totalAnswerTime"`
	}

	sessionView struct {
		Phase            domain.Phase `json:"phase"`
		QuestionIndex    int          `json:"questionIndex"`
		PhaseStartedAt   string       `json:"phaseStartedAt,omitempty"`
		RemainingSeconds int          `json:"remainingSeconds"`
		QuestionCount    int          `json:"questionCount"`
		ResultsRevealed  bool         `json:"resultsRevealed"`
	}

	questionView struct {
		Index   int      `json:"index"`
		Prompt  string   `json:"prompt"`
		Options []string `json:"options"`
		Image   string   `json:"image,omitempty"`
		// Correct is disclosed only during reveal and once the game is over.
		Correct string `json:"correct,omitempty"`
	}

	participantView struct {
		ID              string `json:"id"`
		Nickname        string `json:"nickname"`
		Score           int    `json:"score"`
		TotalAnswerTime int    `json:"totalAnswerTime"`
		JoinedAt        string `json:"joinedAt,omitempty"`
	}

	resultsView struct {
		Ranking []participantView `json:"ranking"`
		Winner  *participantView  `json:"winner,omitempty"`
		Fastest *participantView  `json:"fastest,omitempty"`
		Lowest  *participantView  `json:"lowest,omitempty"`
	}
)

func (a *API) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	res, err := a.game.Login(c.Request.Context(), req.Nickname)
	if err != nil {
		abortError(c, err)
		return
	}

	resp := loginResponse{Role: res.Role}
	if res.Participant != nil {
		v := toParticipantView(*res.Participant)
		resp.Participant = &v
	}

	c.JSON(200, resp)
}

func (a *API) session(c *gin.Context) {
	session, err := a.game.EnsureSession(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(200, a.toSessionView(session))
}

func (a *API) question(c *gin.Context) {
	session, err := a.game.CurrentSession(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}

	questions := a.game.Questions()
	if session.QuestionIndex < 0 || session.QuestionIndex >= len(questions) {
		abortError(c, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("no active question in phase %q", session.Phase)))
		return
	}

	q := questions[session.QuestionIndex]
	v := questionView{
		Index:   session.QuestionIndex,
		Prompt:  q.Prompt,
		Options: q.Options,
		Image:   q.Image,
	}
	if session.Phase == domain.PhaseRevealAnswer || session.Phase == domain.PhaseFinished {
		v.Correct = q.Correct
	}

	c.JSON(200, v)
}

func (a *API) answer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	res, err := a.game.SubmitAnswer(c.Request.Context(), req.ParticipantID, req.QuestionIndex, req.Option)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(200, answerResponse{
		Correct:         res.Correct,
		ScoreDelta:      res.ScoreDelta,
		Score:           res.Score,
		TimeTaken:       res.TimeTaken,
		TotalAnswerTime: res.TotalAnswerTime,
	})
}

// results serves the final aggregation. Players see it only after the
// driver reveals; the driver may preview it at any time.
func (a *API) results(c *gin.Context) {
	session, err := a.game.CurrentSession(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}

	if !session.ResultsRevealed && a.game.RoleFor(c.GetHeader(nicknameHeader)) != domain.RoleDriver {
		abortError(c, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("results are not revealed yet")))
		return
	}

	r, err := a.leaderboard.Results(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(200, toResultsView(r))
}

func (a *API) start(c *gin.Context) {
	if err := a.game.Start(c.Request.Context()); err != nil {
		abortError(c, err)
		return
	}

	c.Status(204)
}

func (a *API) reveal(c *gin.Context) {
	if err := a.game.RevealResults(c.Request.Context()); err != nil {
		abortError(c, err)
		return
	}

	c.Status(204)
}

func (a *API) reset(c *gin.Context) {
	if err := a.game.Reset(c.Request.Context()); err != nil {
		abortError(c, err)
		return
	}

	c.Status(204)
}

func (a *API) toSessionView(s domain.Session) sessionView {
	v := sessionView{
		Phase:           s.Phase,
		QuestionIndex:   s.QuestionIndex,
		QuestionCount:   len(a.game.Questions()),
		ResultsRevealed: s.ResultsRevealed,
	}

	if s.Phase == domain.PhaseInQuestion && !s.PhaseStartedAt.IsZero() {
		v.PhaseStartedAt = s.PhaseStartedAt.UTC().Format(time.RFC3339Nano)
		v.RemainingSeconds = int(a.game.Remaining(a.game.Now(), s.PhaseStartedAt) / time.Second)
	}

	return v
}

func toParticipantView(p domain.Participant) participantView {
	v := participantView{
		ID:              p.ID,
		Nickname:        p.Nickname,
		Score:           p.Score,
		TotalAnswerTime: p.TotalAnswerTime,
	}
	if !p.JoinedAt.IsZero() {
		v.JoinedAt = p.JoinedAt.UTC().Format(time.RFC3339Nano)
	}

	return v
}

func toResultsView(r *domain.Results) resultsView {
	ref := func(p *domain.Participant) *participantView {
		if p == nil {
			return nil
		}
		pv := toParticipantView(*p)
		return &pv
	}

	v := resultsView{
		Ranking: make([]participantView, 0, len(r.Ranking)),
		Winner:  ref(r.Winner),
		Fastest: ref(r.Fastest),
		Lowest:  ref(r.Lowest),
	}
	for _, p := range r.Ranking {
		v.Ranking = append(v.Ranking, toParticipantView(p))
	}

	return v
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}
