package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"partyjournal/api/internal/util"
)

const notifyChannel = "docstore_changes"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       text PRIMARY KEY,
	collection text NOT NULL,
	id         text NOT NULL,
	fields     jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection);
`

// Postgres is a Store backed by a single JSONB table. Collection and document
// subscriptions ride on LISTEN/NOTIFY, so replicas of the API see each
// other's writes.
type Postgres struct {
	pool   *pgxpool.Pool
	cancel context.CancelFunc

	mu       sync.Mutex
	collSubs map[string]map[int]func([]Document)
	docSubs  map[string]map[int]func(*Document)
	nextSub  int
}

// OpenPostgres connects, ensures the schema, and starts the notification
// listener.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		pool:     pool,
		cancel:   cancel,
		collSubs: make(map[string]map[int]func([]Document)),
		docSubs:  make(map[string]map[int]func(*Document)),
	}
	go p.listen(listenCtx)
	return p, nil
}

func (p *Postgres) Close() {
	p.cancel()
	p.pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := util.NewID("")
	path := DocPath(collection, id)
	payload, err := marshalFields(resolveServerTimestamps(fields))
	if err != nil {
		return "", err
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO documents (path, collection, id, fields)
		VALUES ($1, $2, $3, $4)
	`, path, collection, id, payload); err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	p.notifyWrite(ctx, path)
	return id, nil
}

func (p *Postgres) Set(ctx context.Context, path string, fields map[string]any) error {
	collection, id := SplitPath(path)
	payload, err := marshalFields(resolveServerTimestamps(fields))
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO documents (path, collection, id, fields)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE
		SET fields = documents.fields || EXCLUDED.fields, updated_at = now()
	`, path, collection, id, payload); err != nil {
		return fmt.Errorf("set document: %w", err)
	}
	p.notifyWrite(ctx, path)
	return nil
}

func (p *Postgres) Update(ctx context.Context, path string, fields map[string]any) error {
	payload, err := marshalFields(resolveServerTimestamps(fields))
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE documents
		SET fields = fields || $2::jsonb, updated_at = now()
		WHERE path = $1
	`, path, payload)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	p.notifyWrite(ctx, path)
	return nil
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	p.notifyWrite(ctx, path)
	return nil
}

func (p *Postgres) Get(ctx context.Context, path string) (*Document, error) {
	var id string
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT id, fields FROM documents WHERE path = $1`, path).Scan(&id, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	fields, err := unmarshalFields(raw)
	if err != nil {
		return nil, err
	}
	return &Document{ID: id, Path: path, Fields: fields}, nil
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Document, error) {
	return p.collectionSnapshot(ctx, collection)
}

func (p *Postgres) QueryEquals(ctx context.Context, collection, field string, value any) ([]Document, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode query value: %w", err)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, path, fields FROM documents
		WHERE collection = $1 AND fields -> $2 = $3::jsonb
		ORDER BY created_at, path
	`, collection, field, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("query equals: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (p *Postgres) QueryContains(ctx context.Context, collection, field string, value any) ([]Document, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode query value: %w", err)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, path, fields FROM documents
		WHERE collection = $1 AND fields -> $2 @> $3::jsonb
		ORDER BY created_at, path
	`, collection, field, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("query contains: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (p *Postgres) SubscribeCollection(collection string, fn func([]Document)) (Unsubscribe, error) {
	snapshot, err := p.collectionSnapshot(context.Background(), collection)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.collSubs[collection] == nil {
		p.collSubs[collection] = make(map[int]func([]Document))
	}
	key := p.nextSub
	p.nextSub++
	p.collSubs[collection][key] = fn
	p.mu.Unlock()

	fn(snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.collSubs[collection], key)
			p.mu.Unlock()
		})
	}, nil
}

func (p *Postgres) SubscribeDocument(path string, fn func(*Document)) (Unsubscribe, error) {
	current, err := p.Get(context.Background(), path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.docSubs[path] == nil {
		p.docSubs[path] = make(map[int]func(*Document))
	}
	key := p.nextSub
	p.nextSub++
	p.docSubs[path][key] = fn
	p.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.docSubs[path], key)
			p.mu.Unlock()
		})
	}, nil
}

// notifyWrite publishes the changed path so every listening replica,
// including this one, refreshes its subscribers.
func (p *Postgres) notifyWrite(ctx context.Context, path string) {
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, path); err != nil {
		log.Printf("docstore: notify %s: %v", path, err)
	}
}

func (p *Postgres) listen(ctx context.Context) {
	for {
		if err := p.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("docstore: listener error, reconnecting: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		p.dispatch(ctx, notification.Payload)
	}
}

func (p *Postgres) dispatch(ctx context.Context, path string) {
	collection, _ := SplitPath(path)

	p.mu.Lock()
	collFns := make([]func([]Document), 0, len(p.collSubs[collection]))
	for _, fn := range p.collSubs[collection] {
		collFns = append(collFns, fn)
	}
	docFns := make([]func(*Document), 0, len(p.docSubs[path]))
	for _, fn := range p.docSubs[path] {
		docFns = append(docFns, fn)
	}
	p.mu.Unlock()

	if len(collFns) > 0 {
		snapshot, err := p.collectionSnapshot(ctx, collection)
		if err != nil {
			log.Printf("docstore: refresh %s: %v", collection, err)
		} else {
			for _, fn := range collFns {
				fn(snapshot)
			}
		}
	}
	if len(docFns) > 0 {
		current, err := p.Get(ctx, path)
		if err != nil {
			log.Printf("docstore: refresh %s: %v", path, err)
			return
		}
		for _, fn := range docFns {
			fn(current)
		}
	}
}

func (p *Postgres) collectionSnapshot(ctx context.Context, collection string) ([]Document, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, path, fields FROM documents
		WHERE collection = $1
		ORDER BY created_at, path
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("collection snapshot: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows pgx.Rows) ([]Document, error) {
	var out []Document
	for rows.Next() {
		var doc Document
		var raw []byte
		if err := rows.Scan(&doc.ID, &doc.Path, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		fields, err := unmarshalFields(raw)
		if err != nil {
			return nil, err
		}
		doc.Fields = fields
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func resolveServerTimestamps(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	now := time.Now().UTC()
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

func marshalFields(fields map[string]any) ([]byte, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return payload, nil
}

func unmarshalFields(raw []byte) (map[string]any, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}
