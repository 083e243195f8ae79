package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lbaudoin/quizshow/internal/domain"
	"github.com/lbaudoin/quizshow/internal/event"
	"github.com/lbaudoin/quizshow/internal/game"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Game     *game.Service
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	game   *game.Service
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		game:   c.Game,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.MirrorScore(ctx, e.(domain.EventScoreUpdated))
	})

	return s
}

// Results recomputes the final aggregation over the participant roster.
// Nothing here is persisted; every call reflects the roster as stored.
// The driver identity never appears (it is not a participant), and the
// reserved driver nickname is filtered anyway.
func (s *Service) Results(ctx context.Context) (*domain.Results, error) {
	participants, err := s.game.Participants(ctx)
	if err != nil {
		return nil, err
	}

	ranking := make([]domain.Participant, 0, len(participants))
	for _, p := range participants {
		if s.game.RoleFor(p.Nickname) == domain.RoleDriver {
			continue
		}
		ranking = append(ranking, p)
	}

	// Deterministic order: score descending, then earlier join, then name.
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Score != ranking[j].Score {
			return ranking[i].Score > ranking[j].Score
		}
		if !ranking[i].JoinedAt.Equal(ranking[j].JoinedAt) {
			return ranking[i].JoinedAt.Before(ranking[j].JoinedAt)
		}
		return ranking[i].Nickname < ranking[j].Nickname
	})

	r := &domain.Results{Ranking: ranking}
	if len(ranking) == 0 {
		return r, nil
	}

	r.Winner = &ranking[0]
	r.Lowest = &ranking[len(ranking)-1]

	for i := range ranking {
		p := &ranking[i]
		if p.Score <= 0 {
			continue
		}
		if r.Fastest == nil ||
			p.TotalAnswerTime < r.Fastest.TotalAnswerTime ||
			(p.TotalAnswerTime == r.Fastest.TotalAnswerTime && p.JoinedAt.Before(r.Fastest.JoinedAt)) {
			r.Fastest = p
		}
	}

	return r, nil
}

// MirrorScore overwrites the participant's score in the Redis leaderboard
// and schedules a throttled leaderboard publication.
func (s *Service) MirrorScore(ctx context.Context, e domain.EventScoreUpdated) error {
	p := e.Participant

	if err := s.redis.ZAdd(ctx, s.leaderboardKey(), redis.Z{
		Score:  float64(p.Score),
		Member: p.Nickname,
	}).Err(); err != nil {
		return fmt.Errorf("mirror score: %w", err)
	}

	return s.schedulePublish(ctx)
}

// schedulePublish coalesces bursts of score updates: many participants
// answer within the same instant, and one leaderboard event per interval
// is enough for every consumer.
func (s *Service) schedulePublish(ctx context.Context) error {
	ok, err := s.redis.SetNX(ctx, s.throttleKey(), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publish(ctx)
}

func (s *Service) publish(ctx context.Context) error {
	r, err := s.Results(ctx)
	if err != nil {
		return fmt.Errorf("recompute results: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Results: *r,
	})

	return nil
}

func (s *Service) leaderboardKey() string {
	return fmt.Sprintf("%s:leaderboard", s.prefix)
}

func (s *Service) throttleKey() string {
	return fmt.Sprintf("%s:leaderboard:time", s.prefix)
}
