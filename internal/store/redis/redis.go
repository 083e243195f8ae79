// Package redis backs the session store with Redis: documents are JSON
// values, partial updates merge atomically through a Lua script, and
// subscriptions ride Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lbaudoin/quizshow/internal/store"
)

// setScript stores a document, bumps its revision and publishes the
// committed state tagged with that revision, all in one atomic step.
var setScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
local rev = redis.call('INCR', KEYS[3])
redis.call('PUBLISH', KEYS[4], '{"rev":' .. rev .. ',"doc":' .. ARGV[1] .. '}')
redis.call('PUBLISH', KEYS[5], ARGV[2])
return rev
`)

// mergeScript merges a JSON patch into an existing document, bumps the
// revision and publishes the committed state, all in one atomic step.
// Returns 0 when the document is absent.
var mergeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local doc = cjson.decode(cur)
local patch = cjson.decode(ARGV[1])
for k, v in pairs(patch) do
  doc[k] = v
end
for i = 3, #ARGV do
  doc[ARGV[i]] = nil
end
local enc = cjson.encode(doc)
redis.call('SET', KEYS[1], enc)
local rev = redis.call('INCR', KEYS[4])
redis.call('PUBLISH', KEYS[2], '{"rev":' .. rev .. ',"doc":' .. enc .. '}')
redis.call('PUBLISH', KEYS[3], ARGV[2])
return 1
`)

// changeEnvelope is the document channel payload. The revision lets a fresh
// subscriber discard replays of writes it already saw in its initial
// snapshot.
type changeEnvelope struct {
	Rev int64           `json:"rev"`
	Doc json.RawMessage `json:"doc"`
}

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

// Store implements store.Store on a Redis instance. ServerTimestamp markers
// are resolved against the Redis server clock (TIME), so all writers share
// one authoritative instant regardless of their local skew.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

func New(c Config) *Store {
	return &Store{redis: c.Redis, prefix: c.Prefix}
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	raw, err := s.redis.Get(ctx, s.docKey(collection, id)).Result()
	if err == redis.Nil {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("redis: get document: %w", err)
	}
	return decodeDocument(id, []byte(raw))
}

func (s *Store) SetDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	now, err := s.serverNow(ctx)
	if err != nil {
		return err
	}
	resolved, _ := store.ResolveFields(fields, now)

	raw, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("redis: marshal document: %w", err)
	}

	keys := []string{
		s.docKey(collection, id),
		s.indexKey(collection),
		s.revKey(collection, id),
		s.docChannel(collection, id),
		s.collChannel(collection),
	}
	if err := setScript.Run(ctx, s.redis, keys, string(raw), id).Err(); err != nil {
		return fmt.Errorf("redis: set document: %w", err)
	}
	return nil
}

func (s *Store) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	now, err := s.serverNow(ctx)
	if err != nil {
		return err
	}
	resolved, deleted := store.ResolveFields(fields, now)

	patch, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("redis: marshal patch: %w", err)
	}

	args := make([]any, 0, 2+len(deleted))
	args = append(args, string(patch), id)
	for _, k := range deleted {
		args = append(args, k)
	}

	keys := []string{s.docKey(collection, id), s.docChannel(collection, id), s.collChannel(collection), s.revKey(collection, id)}
	n, err := mergeScript.Run(ctx, s.redis, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis: update document: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) QueryWhere(ctx context.Context, collection, field string, value any) ([]store.Document, error) {
	docs, err := s.ListDocuments(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if d.Fields[field] == value {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) ListDocuments(ctx context.Context, collection string) ([]store.Document, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list collection: %w", err)
	}
	sort.Strings(ids)

	out := make([]store.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocument(ctx, collection, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, collection, id string) (<-chan store.Snapshot, store.CancelFunc, error) {
	sub := s.redis.Subscribe(ctx, s.docChannel(collection, id))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	out := make(chan store.Snapshot, 16)
	done := make(chan struct{})

	// The revision is read before the document. A write landing in between
	// then surfaces as a duplicate snapshot rather than being dropped, and
	// replays of anything already in the initial snapshot are discarded.
	initialRev, err := s.redis.Get(ctx, s.revKey(collection, id)).Int64()
	if err != nil && err != redis.Nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: read document revision: %w", err)
	}

	initial := store.Snapshot{}
	if doc, err := s.GetDocument(ctx, collection, id); err == nil {
		initial = store.Snapshot{Exists: true, Fields: doc.Fields}
	}
	out <- initial

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env changeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Doc == nil {
					slog.Error("redis: dropping malformed snapshot", "collection", collection, "id", id, "error", err)
					continue
				}
				if env.Rev <= initialRev {
					continue
				}
				doc, err := decodeDocument(id, env.Doc)
				if err != nil {
					slog.Error("redis: dropping malformed snapshot", "collection", collection, "id", id, "error", err)
					continue
				}
				select {
				case out <- store.Snapshot{Exists: true, Fields: doc.Fields}:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

func (s *Store) SubscribeCollection(ctx context.Context, collection string) (<-chan []store.Document, store.CancelFunc, error) {
	sub := s.redis.Subscribe(ctx, s.collChannel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe collection: %w", err)
	}

	out := make(chan []store.Document, 16)
	done := make(chan struct{})

	docs, err := s.ListDocuments(ctx, collection)
	if err != nil {
		close(done)
		_ = sub.Close()
		return nil, nil, err
	}
	out <- docs

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				docs, err := s.ListDocuments(ctx, collection)
				if err != nil {
					slog.Error("redis: refetch collection failed", "collection", collection, "error", err)
					continue
				}
				select {
				case out <- docs:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

// serverNow reads the Redis server clock so timestamp resolution does not
// depend on this process's clock.
func (s *Store) serverNow(ctx context.Context) (time.Time, error) {
	t, err := s.redis.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: server time: %w", err)
	}
	return t, nil
}

func (s *Store) docKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, collection, id)
}

func (s *Store) revKey(collection, id string) string {
	return s.docKey(collection, id) + ":rev"
}

func (s *Store) indexKey(collection string) string {
	return fmt.Sprintf("%s:%s", s.prefix, collection)
}

func (s *Store) docChannel(collection, id string) string {
	return fmt.Sprintf("%s:changes:%s:%s", s.prefix, collection, id)
}

func (s *Store) collChannel(collection string) string {
	return fmt.Sprintf("%s:changes:%s", s.prefix, collection)
}

func decodeDocument(id string, raw []byte) (store.Document, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return store.Document{}, fmt.Errorf("redis: decode document: %w", err)
	}
	return store.Document{ID: id, Fields: fields}, nil
}

var _ store.Store = (*Store)(nil)
