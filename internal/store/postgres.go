package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	queryTimeout         = 10 * time.Second
	listenerMinReconnect = time.Second
	listenerMaxReconnect = 30 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PostgresStore persists schemaless documents in a single JSONB table and
// implements the change stream with LISTEN/NOTIFY. Every insert or update
// fires a notification on a per-collection channel; subscribers re-run
// their query and deliver the full result set as a snapshot batch.
type PostgresStore struct {
	db     *sqlx.DB
	dsn    string
	logger *zap.Logger
}

// NewPostgres constructs the store. The DSN is required because each live
// subscription opens its own pq.Listener connection.
func NewPostgres(db *sqlx.DB, dsn string, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, dsn: dsn, logger: logger}
}

// Bootstrap creates the documents table and the notify trigger.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection  TEXT        NOT NULL,
			id          TEXT        NOT NULL,
			data        JSONB       NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS documents_recency_idx ON documents (collection, inserted_at DESC)`,
		`CREATE OR REPLACE FUNCTION documents_notify() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('documents_' || NEW.collection, NEW.id);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS documents_changed ON documents`,
		`CREATE TRIGGER documents_changed AFTER INSERT OR UPDATE ON documents
			FOR EACH ROW EXECUTE PROCEDURE documents_notify()`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap documents store: %w", err)
		}
	}
	return nil
}

// Insert creates a document, resolving ServerTimestamp sentinels with the
// database clock so ordering never depends on client time.
func (s *PostgresStore) Insert(ctx context.Context, collection string, doc Document) (string, error) {
	serverFields := make([]string, 0, 1)
	payload := make(Document, len(doc))
	for field, value := range doc {
		if _, ok := value.(serverTimestamp); ok {
			serverFields = append(serverFields, field)
			continue
		}
		payload[field] = value
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	id := uuid.NewString()
	const query = `INSERT INTO documents (collection, id, data)
VALUES ($1, $2, $3::jsonb || COALESCE((SELECT jsonb_object_agg(f, to_jsonb(now())) FROM unnest($4::text[]) AS f), '{}'::jsonb))`
	if _, err := s.db.ExecContext(ctx, query, collection, id, raw, pq.Array(serverFields)); err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// Query executes a one-shot read.
func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Snapshot, error) {
	sqlText, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		data := Document{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", id, err)
		}
		snaps = append(snaps, Snapshot{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return snaps, nil
}

// MergeUpdate applies field updates inside one transaction.
func (s *PostgresStore) MergeUpdate(ctx context.Context, collection, id string, updates []Update) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, u := range updates {
		var res sql.Result
		switch u.Op {
		case UpdateSet:
			raw, err := json.Marshal(u.Value)
			if err != nil {
				return fmt.Errorf("encode update value for %s: %w", u.Field, err)
			}
			res, err = tx.ExecContext(ctx,
				`UPDATE documents SET data = jsonb_set(data, ARRAY[$3], $4::jsonb, true) WHERE collection = $1 AND id = $2`,
				collection, id, u.Field, raw)
			if err != nil {
				return fmt.Errorf("set %s: %w", u.Field, err)
			}
		case UpdateArrayUnion:
			values, err := toStringSlice(u.Value)
			if err != nil {
				return fmt.Errorf("array union %s: %w", u.Field, err)
			}
			res, err = tx.ExecContext(ctx,
				`UPDATE documents SET data = jsonb_set(data, ARRAY[$3], COALESCE((
					SELECT jsonb_agg(DISTINCT elem) FROM (
						SELECT jsonb_array_elements(COALESCE(data #> ARRAY[$3], '[]'::jsonb)) AS elem
						UNION ALL
						SELECT to_jsonb(v) FROM unnest($4::text[]) AS v
					) AS u(elem)
				), '[]'::jsonb), true)
				WHERE collection = $1 AND id = $2`,
				collection, id, u.Field, pq.Array(values))
			if err != nil {
				return fmt.Errorf("array union %s: %w", u.Field, err)
			}
		default:
			return fmt.Errorf("merge update %s: unsupported op %q", u.Field, u.Op)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("merge update %s: %w", u.Field, err)
		}
		if affected == 0 {
			return ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge update: %w", err)
	}
	return nil
}

// Subscribe opens a LISTEN connection for the collection channel and
// re-runs the query on every notification, delivering full snapshots.
func (s *PostgresStore) Subscribe(q Query, onBatch func([]Snapshot), onError func(error)) (Unsubscribe, error) {
	if _, _, err := buildQuery(q); err != nil {
		return nil, err
	}

	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, nil)
	if err := listener.Listen("documents_" + q.Collection); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", q.Collection, err)
	}

	sub := &pgSubscription{
		store:    s,
		query:    q,
		listener: listener,
		onBatch:  onBatch,
		onError:  onError,
		stopCh:   make(chan struct{}),
		logger:   s.logger,
	}
	go sub.run()
	return sub.stop, nil
}

type pgSubscription struct {
	store    *PostgresStore
	query    Query
	listener *pq.Listener
	onBatch  func([]Snapshot)
	onError  func(error)
	stopCh   chan struct{}
	logger   *zap.Logger

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
}

func (p *pgSubscription) run() {
	if !p.requery() {
		return
	}

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.listener.Notify:
			// A nil notification signals a reconnect; either way the
			// full result set is re-read, so no event can be missed.
			p.drain()
			if !p.requery() {
				return
			}
		case <-ping.C:
			if err := p.listener.Ping(); err != nil {
				p.fail(fmt.Errorf("listener ping: %w", err))
				return
			}
		}
	}
}

// drain coalesces bursts of notifications into a single requery.
func (p *pgSubscription) drain() {
	for {
		select {
		case <-p.listener.Notify:
		default:
			return
		}
	}
}

func (p *pgSubscription) requery() bool {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	snaps, err := p.store.Query(ctx, p.query)
	if err != nil {
		p.fail(err)
		return false
	}
	p.deliver(snaps)
	return true
}

// deliver invokes onBatch under the subscription mutex so that a stop()
// call either waits for the in-flight callback or prevents the next one.
func (p *pgSubscription) deliver(snaps []Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.onBatch(snaps)
}

func (p *pgSubscription) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.logger.Warn("document subscription failed",
		zap.String("collection", p.query.Collection), zap.Error(err))
	if p.onError != nil {
		p.onError(err)
	}
}

func (p *pgSubscription) stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stopCh)
		_ = p.listener.Close()
	})
}

func buildQuery(q Query) (string, []interface{}, error) {
	var b strings.Builder
	b.WriteString("SELECT id, data FROM documents WHERE collection = $1")
	args := []interface{}{q.Collection}

	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual:
			args = append(args, f.Field, fmt.Sprintf("%v", f.Value))
			fmt.Fprintf(&b, " AND data->>$%d = $%d", len(args)-1, len(args))
		case OpIn:
			values, err := toStringSlice(f.Value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: in filter on %s: %v", ErrUnsupportedQuery, f.Field, err)
			}
			args = append(args, f.Field, pq.Array(values))
			fmt.Fprintf(&b, " AND data->>$%d = ANY($%d)", len(args)-1, len(args))
		case OpArrayContains:
			value, ok := f.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("%w: array-contains on %s requires a string", ErrUnsupportedQuery, f.Field)
			}
			args = append(args, f.Field, value)
			fmt.Fprintf(&b, " AND data->$%d ? $%d", len(args)-1, len(args))
		default:
			return "", nil, fmt.Errorf("%w: operator %q", ErrUnsupportedQuery, f.Op)
		}
	}

	if q.Sort != nil {
		// Sorted fields are timestamps in this deployment; the cast keeps
		// ordering correct across the two JSON timestamp encodings.
		direction := "ASC"
		if q.Sort.Descending {
			direction = "DESC"
		}
		args = append(args, q.Sort.Field)
		fmt.Fprintf(&b, " ORDER BY (data->>$%d)::timestamptz %s NULLS LAST", len(args), direction)
	} else {
		b.WriteString(" ORDER BY inserted_at DESC")
	}

	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	return b.String(), args, nil
}

func toStringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}
