package event_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lbaudoin/quizshow/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a subscriber only receives the events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("score.updated"),
						eventWithName("phase.changed"),
					},
					subscribers: []subscriber{
						{
							name:        "leaderboard",
							subscribeTo: []string{"score.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("score.updated")}, out.received["leaderboard"])
			},
		},

		"repeated events are all delivered": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("score.updated"),
						eventWithName("score.updated"),
						eventWithName("score.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "leaderboard",
							subscribeTo: []string{"score.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["leaderboard"], 3)
			},
		},

		"one event fans out to every subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("phase.changed"),
					},
					subscribers: []subscriber{
						{
							name:        "pubsub",
							subscribeTo: []string{"phase.changed"},
						},
						{
							name:        "metrics",
							subscribeTo: []string{"phase.changed"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("phase.changed")}, out.received["pubsub"])
				assert.ElementsMatch(t, []event.Event{eventWithName("phase.changed")}, out.received["metrics"])
			},
		},

		"mixed events route to the right subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("score.updated"),
						eventWithName("phase.changed"),
						eventWithName("score.updated"),
						eventWithName("participant.joined"),
					},
					subscribers: []subscriber{
						{
							name:        "leaderboard",
							subscribeTo: []string{"score.updated"},
						},
						{
							name:        "pubsub",
							subscribeTo: []string{"score.updated", "phase.changed"},
						},
						{
							name:        "roster",
							subscribeTo: []string{"participant.joined", "phase.changed"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("score.updated"), eventWithName("score.updated")}, out.received["leaderboard"])
				assert.ElementsMatch(t, []event.Event{eventWithName("score.updated"), eventWithName("score.updated"), eventWithName("phase.changed")}, out.received["pubsub"])
				assert.ElementsMatch(t, []event.Event{eventWithName("participant.joined"), eventWithName("phase.changed")}, out.received["roster"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
			s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
