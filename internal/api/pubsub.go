package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lbaudoin/quizshow/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Nickname        string `json:"nickname"`
		Score           int    `json:"score"`
		TotalAnswerTime int    `json:"totalAnswerTime"`
	}
)

func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	r := e.Results

	data := Leaderboard{
		Entries: make([]LeaderboardEntry, 0, len(r.Ranking)),
	}

	for _, p := range r.Ranking {
		data.Entries = append(data.Entries, LeaderboardEntry{
			Nickname:        p.Nickname,
			Score:           p.Score,
			TotalAnswerTime: p.TotalAnswerTime,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.Nickname, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, nickname, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, nickname), b).Err()
}
