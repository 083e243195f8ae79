// Package memory is an in-process Store used by tests and standalone runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lbaudoin/quizshow/internal/store"
)

type collection struct {
	docs        map[string]map[string]any
	order       []string
	subscribers map[chan []store.Document]struct{}
	docSubs     map[string]map[chan store.Snapshot]struct{}
}

// Store keeps documents in mutex-guarded maps and fans snapshots out over
// per-subscriber buffered channels.
type Store struct {
	clock clockwork.Clock

	mu          sync.Mutex
	collections map[string]*collection
}

// New returns an empty in-memory store using the real clock.
func New() *Store {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock allows tests to control server timestamps.
func NewWithClock(clock clockwork.Clock) *Store {
	return &Store{
		clock:       clock,
		collections: make(map[string]*collection),
	}
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{
			docs:        make(map[string]map[string]any),
			subscribers: make(map[chan []store.Document]struct{}),
			docSubs:     make(map[string]map[chan store.Snapshot]struct{}),
		}
		s.collections[name] = c
	}
	return c
}

func (s *Store) GetDocument(_ context.Context, collection, id string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.coll(collection).docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{ID: id, Fields: cloneFields(fields)}, nil
}

func (s *Store) SetDocument(_ context.Context, collection, id string, fields map[string]any) error {
	resolved, _ := store.ResolveFields(fields, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collection)
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = resolved
	s.notifyLocked(c, id)
	return nil
}

func (s *Store) UpdateDocument(_ context.Context, collection, id string, fields map[string]any) error {
	resolved, deleted := store.ResolveFields(fields, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collection)
	doc, ok := c.docs[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range resolved {
		doc[k] = v
	}
	for _, k := range deleted {
		delete(doc, k)
	}
	s.notifyLocked(c, id)
	return nil
}

func (s *Store) QueryWhere(_ context.Context, collection, field string, value any) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collection)
	var out []store.Document
	for _, id := range c.order {
		if c.docs[id][field] == value {
			out = append(out, store.Document{ID: id, Fields: cloneFields(c.docs[id])})
		}
	}
	return out, nil
}

func (s *Store) ListDocuments(_ context.Context, collection string) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(s.coll(collection)), nil
}

func (s *Store) Subscribe(_ context.Context, collection, id string) (<-chan store.Snapshot, store.CancelFunc, error) {
	ch := make(chan store.Snapshot, 16)

	s.mu.Lock()
	c := s.coll(collection)
	subs, ok := c.docSubs[id]
	if !ok {
		subs = make(map[chan store.Snapshot]struct{})
		c.docSubs[id] = subs
	}
	subs[ch] = struct{}{}
	ch <- s.snapshotLocked(c, id)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(subs, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (s *Store) SubscribeCollection(_ context.Context, collection string) (<-chan []store.Document, store.CancelFunc, error) {
	ch := make(chan []store.Document, 16)

	s.mu.Lock()
	c := s.coll(collection)
	c.subscribers[ch] = struct{}{}
	ch <- s.listLocked(c)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(c.subscribers, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

func (s *Store) snapshotLocked(c *collection, id string) store.Snapshot {
	fields, ok := c.docs[id]
	if !ok {
		return store.Snapshot{}
	}
	return store.Snapshot{Exists: true, Fields: cloneFields(fields)}
}

func (s *Store) listLocked(c *collection) []store.Document {
	out := make([]store.Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, store.Document{ID: id, Fields: cloneFields(c.docs[id])})
	}
	return out
}

// notifyLocked delivers the post-commit state to every subscriber. A full
// buffer drops the oldest snapshot first so a slow subscriber cannot block
// the writer; the latest state is always delivered.
func (s *Store) notifyLocked(c *collection, id string) {
	if subs, ok := c.docSubs[id]; ok {
		snap := s.snapshotLocked(c, id)
		for ch := range subs {
			select {
			case ch <- snap:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- snap
			}
		}
	}

	if len(c.subscribers) > 0 {
		docs := s.listLocked(c)
		for ch := range c.subscribers {
			select {
			case ch <- docs:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- docs
			}
		}
	}
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

var _ store.Store = (*Store)(nil)

// Now exposes the store clock, letting callers stamp client-side durations
// consistently in tests.
func (s *Store) Now() time.Time { return s.clock.Now() }
