// Package postgres backs the session store with a single JSONB documents
// table. Partial updates merge with the || operator inside one statement,
// and subscriptions are driven by LISTEN/NOTIFY with pg_notify issued in the
// writing transaction, so subscribers observe commits in commit order.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lbaudoin/quizshow/internal/store"
)

const notifyChannel = "quizshow_document_changes"

type Config struct {
	DB *pgxpool.Pool
}

type Store struct {
	db *pgxpool.Pool
}

// New prepares the documents table and returns the store.
func New(ctx context.Context, c Config) (*Store, error) {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
	collection  TEXT  NOT NULL,
	document_id TEXT  NOT NULL,
	data        JSONB NOT NULL,
	PRIMARY KEY (collection, document_id)
);`

	if _, err := c.DB.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres: create documents table: %w", err)
	}
	return &Store{db: c.DB}, nil
}

type changePayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	const stmt = `SELECT data FROM documents WHERE collection = $1 AND document_id = $2;`

	var raw []byte
	err := s.db.QueryRow(ctx, stmt, collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("postgres: get document: %w", err)
	}
	return decodeDocument(id, raw)
}

func (s *Store) SetDocument(ctx context.Context, collection, id string, fields map[string]any) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback(ctx))
		}
	}()

	now, err := txNow(ctx, tx)
	if err != nil {
		return err
	}
	resolved, _ := store.ResolveFields(fields, now)
	raw, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("postgres: marshal document: %w", err)
	}

	const stmt = `
INSERT INTO documents (collection, document_id, data)
VALUES ($1, $2, $3)
ON CONFLICT (collection, document_id) DO UPDATE SET data = EXCLUDED.data;`

	if _, err = tx.Exec(ctx, stmt, collection, id, raw); err != nil {
		return fmt.Errorf("postgres: set document: %w", err)
	}
	if err = notify(ctx, tx, collection, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback(ctx))
		}
	}()

	now, err := txNow(ctx, tx)
	if err != nil {
		return err
	}
	resolved, deleted := store.ResolveFields(fields, now)
	patch, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("postgres: marshal patch: %w", err)
	}
	if deleted == nil {
		deleted = []string{}
	}

	const stmt = `
UPDATE documents
SET data = (data || $3::jsonb) - $4::text[]
WHERE collection = $1 AND document_id = $2;`

	tag, err := tx.Exec(ctx, stmt, collection, id, patch, deleted)
	if err != nil {
		return fmt.Errorf("postgres: update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err = notify(ctx, tx, collection, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) QueryWhere(ctx context.Context, collection, field string, value any) ([]store.Document, error) {
	const stmt = `
SELECT document_id, data FROM documents
WHERE collection = $1 AND data ->> $2 = $3
ORDER BY document_id;`

	rows, err := s.db.Query(ctx, stmt, collection, field, fmt.Sprint(value))
	if err != nil {
		return nil, fmt.Errorf("postgres: query documents: %w", err)
	}
	return collectDocuments(rows)
}

func (s *Store) ListDocuments(ctx context.Context, collection string) ([]store.Document, error) {
	const stmt = `
SELECT document_id, data FROM documents
WHERE collection = $1
ORDER BY document_id;`

	rows, err := s.db.Query(ctx, stmt, collection)
	if err != nil {
		return nil, fmt.Errorf("postgres: list documents: %w", err)
	}
	return collectDocuments(rows)
}

func (s *Store) Subscribe(ctx context.Context, collection, id string) (<-chan store.Snapshot, store.CancelFunc, error) {
	// LISTEN must be in place before the initial read: a commit landing in
	// between is then queued on the connection instead of lost.
	conn, err := s.listener(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan store.Snapshot, 16)

	initial := store.Snapshot{}
	if doc, err := s.GetDocument(ctx, collection, id); err == nil {
		initial = store.Snapshot{Exists: true, Fields: doc.Fields}
	} else if !errors.Is(err, store.ErrNotFound) {
		conn.Release()
		return nil, nil, err
	}
	out <- initial

	cancel := s.run(ctx, conn, func(c changePayload) {
		if c.Collection != collection || c.ID != id {
			return
		}
		doc, err := s.GetDocument(context.WithoutCancel(ctx), collection, id)
		if err != nil {
			slog.Error("postgres: refetch document failed", "collection", collection, "id", id, "error", err)
			return
		}
		deliver(out, store.Snapshot{Exists: true, Fields: doc.Fields})
	}, func() { close(out) })
	return out, cancel, nil
}

func (s *Store) SubscribeCollection(ctx context.Context, collection string) (<-chan []store.Document, store.CancelFunc, error) {
	conn, err := s.listener(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []store.Document, 16)

	docs, err := s.ListDocuments(ctx, collection)
	if err != nil {
		conn.Release()
		return nil, nil, err
	}
	out <- docs

	cancel := s.run(ctx, conn, func(c changePayload) {
		if c.Collection != collection {
			return
		}
		docs, err := s.ListDocuments(context.WithoutCancel(ctx), collection)
		if err != nil {
			slog.Error("postgres: refetch collection failed", "collection", collection, "error", err)
			return
		}
		deliver(out, docs)
	}, func() { close(out) })
	return out, cancel, nil
}

// listener acquires one pooled connection and puts it on LISTEN.
// Notifications arriving before the read loop starts queue on the
// connection.
func (s *Store) listener(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}
	return conn, nil
}

// run drives the notification loop on an already-listening connection and
// invokes handle for every notification until cancelled.
func (s *Store) run(ctx context.Context, conn *pgxpool.Conn, handle func(changePayload), closed func()) store.CancelFunc {
	listenCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		defer closed()
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					slog.Error("postgres: wait for notification failed", "error", err)
				}
				return
			}
			var c changePayload
			if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
				slog.Error("postgres: malformed change notification", "payload", n.Payload, "error", err)
				continue
			}
			handle(c)
		}
	}()

	var once sync.Once
	return func() { once.Do(stop) }
}

func notify(ctx context.Context, tx pgx.Tx, collection, id string) error {
	payload, err := json.Marshal(changePayload{Collection: collection, ID: id})
	if err != nil {
		return fmt.Errorf("postgres: marshal notification: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2);", notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("postgres: notify: %w", err)
	}
	return nil
}

// txNow reads the database clock inside the writing transaction so resolved
// timestamps come from the store, not this process.
func txNow(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	var now time.Time
	if err := tx.QueryRow(ctx, "SELECT now();").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("postgres: server time: %w", err)
	}
	return now, nil
}

// deliver drops the oldest buffered element rather than blocking the
// listener goroutine on a slow subscriber.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func collectDocuments(rows pgx.Rows) ([]store.Document, error) {
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (store.Document, error) {
		var (
			id  string
			raw []byte
		)
		if err := r.Scan(&id, &raw); err != nil {
			return store.Document{}, err
		}
		return decodeDocument(id, raw)
	})
}

func decodeDocument(id string, raw []byte) (store.Document, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return store.Document{}, fmt.Errorf("postgres: decode document: %w", err)
	}
	return store.Document{ID: id, Fields: fields}, nil
}

var _ store.Store = (*Store)(nil)
