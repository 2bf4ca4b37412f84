// Package pgstore is the Postgres-backed credential store. Postgres gives
// us WAL durability and enforced foreign keys for free; the busy wait is a
// 5 s statement_timeout set on the connection string. All usage mutations
// run as a single transaction with the key row locked FOR UPDATE.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/store"
)

// conflictRetries is how many times UpdateUsage retries serialization
// conflicts before surfacing ErrConflict.
const conflictRetries = 3

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	key                   TEXT PRIMARY KEY,
	name                  TEXT NOT NULL DEFAULT '',
	model                 TEXT,
	token_limit_per_5h    BIGINT NOT NULL DEFAULT 0,
	expiry_date           TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used             TIMESTAMPTZ,
	total_lifetime_tokens BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_windows (
	id           BIGSERIAL PRIMARY KEY,
	api_key      TEXT NOT NULL REFERENCES api_keys(key) ON DELETE CASCADE ON UPDATE CASCADE,
	window_start TIMESTAMPTZ NOT NULL,
	tokens_used  BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_api_keys_last_used ON api_keys (last_used);
CREATE INDEX IF NOT EXISTS idx_api_keys_expiry_date ON api_keys (expiry_date);
CREATE INDEX IF NOT EXISTS idx_usage_windows_api_key ON usage_windows (api_key);
CREATE INDEX IF NOT EXISTS idx_usage_windows_window_start ON usage_windows (window_start);
`

// PGStore is the SQL credential store.
type PGStore struct {
	db  *sql.DB
	log *slog.Logger
}

// New opens a connection pool for dsn (10 open / 3 idle); Initialize must
// still be called to apply the schema.
func New(dsn string, log *slog.Logger) (*PGStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("postgres", withStatementTimeout(dsn))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(3)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PGStore{db: db, log: log}, nil
}

// withStatementTimeout appends statement_timeout=5000 (the 5 s busy wait)
// unless the DSN already sets one. lib/pq forwards run-time parameters to
// the server in the startup packet.
func withStatementTimeout(dsn string) string {
	if strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		q := u.Query()
		q.Set("statement_timeout", "5000")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return dsn + " statement_timeout=5000"
}

// Initialize pings the server and applies the schema. Idempotent.
func (p *PGStore) Initialize(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", store.ErrUnavailable, err)
	}
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: apply schema: %v", classify(err), err)
	}
	return nil
}

// Find returns a snapshot of the record for key, windows included.
func (p *PGStore) Find(ctx context.Context, key string) (*credential.Record, error) {
	rec, err := p.scanKey(ctx, p.db, key, false)
	if err != nil {
		return nil, err
	}
	rec.UsageWindows, err = p.scanWindows(ctx, p.db, key)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PGStore) scanKey(ctx context.Context, q querier, key string, forUpdate bool) (*credential.Record, error) {
	query := `SELECT key, name, COALESCE(model, ''), token_limit_per_5h,
	       expiry_date, created_at, last_used, total_lifetime_tokens
	  FROM api_keys WHERE key = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		rec      credential.Record
		expiry   sql.NullTime
		lastUsed sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, key).Scan(
		&rec.Key, &rec.Name, &rec.Model, &rec.TokenLimitPer5h,
		&expiry, &rec.CreatedAt, &lastUsed, &rec.TotalLifetimeTokens,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select key: %v", classify(err), err)
	}
	if expiry.Valid {
		rec.ExpiryDate = expiry.Time
	}
	if lastUsed.Valid {
		rec.LastUsed = lastUsed.Time
	}
	return &rec, nil
}

func (p *PGStore) scanWindows(ctx context.Context, q querier, key string) ([]credential.UsageWindow, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT window_start, tokens_used FROM usage_windows
		  WHERE api_key = $1 ORDER BY window_start`, key)
	if err != nil {
		return nil, fmt.Errorf("%w: select windows: %v", classify(err), err)
	}
	defer rows.Close()

	var windows []credential.UsageWindow
	for rows.Next() {
		var w credential.UsageWindow
		if err := rows.Scan(&w.WindowStart, &w.TokensUsed); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate windows: %v", classify(err), err)
	}
	return windows, nil
}

// UpdateUsage folds the increment into the key's windows inside one
// transaction: lock the key row, load windows, fold, replace, bump totals.
// Serialization conflicts are retried up to 3 times.
func (p *PGStore) UpdateUsage(ctx context.Context, key string, tokens int64, model string, now time.Time) error {
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		err = p.updateUsageTx(ctx, key, tokens, now)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			break
		}
		p.log.Debug("usage update conflict, retrying", "key_suffix", keySuffix(key), "attempt", attempt+1)
	}
	if err == nil && model != "" {
		p.log.Debug("usage recorded", "key_suffix", keySuffix(key), "model", model, "tokens", tokens)
	}
	return err
}

func (p *PGStore) updateUsageTx(ctx context.Context, key string, tokens int64, now time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", classify(err), err)
	}
	defer tx.Rollback()

	rec, err := p.scanKey(ctx, tx, key, true)
	if err != nil {
		return err
	}
	rec.UsageWindows, err = p.scanWindows(ctx, tx, key)
	if err != nil {
		return err
	}

	rec.RecordUsage(tokens, now)

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_windows WHERE api_key = $1`, key); err != nil {
		return fmt.Errorf("%w: clear windows: %v", classify(err), err)
	}
	for _, w := range rec.UsageWindows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO usage_windows (api_key, window_start, tokens_used) VALUES ($1, $2, $3)`,
			key, w.WindowStart, w.TokensUsed); err != nil {
			return fmt.Errorf("%w: insert window: %v", classify(err), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET total_lifetime_tokens = $2, last_used = $3 WHERE key = $1`,
		key, rec.TotalLifetimeTokens, nullTime(rec.LastUsed)); err != nil {
		return fmt.Errorf("%w: update key: %v", classify(err), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", classify(err), err)
	}
	return nil
}

// Stats derives the usage view without transferring the whole window list.
func (p *PGStore) Stats(ctx context.Context, key string) (*credential.Stats, error) {
	rec, err := p.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	st := rec.StatsAt(time.Now())
	return &st, nil
}

// Put upserts a record. Windows carried on the record replace whatever is
// stored; the admin surface only ever sends empty window lists.
func (p *PGStore) Put(ctx context.Context, rec *credential.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", classify(err), err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (key, name, model, token_limit_per_5h, expiry_date, created_at, last_used, total_lifetime_tokens)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			token_limit_per_5h = EXCLUDED.token_limit_per_5h,
			expiry_date = EXCLUDED.expiry_date,
			last_used = EXCLUDED.last_used,
			total_lifetime_tokens = EXCLUDED.total_lifetime_tokens`,
		rec.Key, rec.Name, rec.Model, rec.TokenLimitPer5h,
		nullTime(rec.ExpiryDate), rec.CreatedAt, nullTime(rec.LastUsed), rec.TotalLifetimeTokens)
	if err != nil {
		return fmt.Errorf("%w: upsert key: %v", classify(err), err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_windows WHERE api_key = $1`, rec.Key); err != nil {
		return fmt.Errorf("%w: clear windows: %v", classify(err), err)
	}
	for _, w := range rec.UsageWindows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO usage_windows (api_key, window_start, tokens_used) VALUES ($1, $2, $3)`,
			rec.Key, w.WindowStart, w.TokensUsed); err != nil {
			return fmt.Errorf("%w: insert window: %v", classify(err), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", classify(err), err)
	}
	return nil
}

// Delete removes the key; usage_windows rows go with it via the cascade.
func (p *PGStore) Delete(ctx context.Context, key string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("%w: delete key: %v", classify(err), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns all records with their windows.
func (p *PGStore) List(ctx context.Context) ([]*credential.Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, name, COALESCE(model, ''), token_limit_per_5h,
		        expiry_date, created_at, last_used, total_lifetime_tokens
		   FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", classify(err), err)
	}
	defer rows.Close()

	var recs []*credential.Record
	for rows.Next() {
		var (
			rec      credential.Record
			expiry   sql.NullTime
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&rec.Key, &rec.Name, &rec.Model, &rec.TokenLimitPer5h,
			&expiry, &rec.CreatedAt, &lastUsed, &rec.TotalLifetimeTokens); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if expiry.Valid {
			rec.ExpiryDate = expiry.Time
		}
		if lastUsed.Valid {
			rec.LastUsed = lastUsed.Time
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate keys: %v", classify(err), err)
	}
	for _, rec := range recs {
		if rec.UsageWindows, err = p.scanWindows(ctx, p.db, rec.Key); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Close closes the connection pool.
func (p *PGStore) Close() error { return p.db.Close() }

// classify maps driver errors onto the store taxonomy: connection-class
// failures become ErrUnavailable, serialization failures become
// ErrConflict, anything else stays as-is for wrapping.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001" || pqErr.Code == "40P01":
			return store.ErrConflict
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "53" ||
			pqErr.Code.Class() == "57" || pqErr.Code.Class() == "58":
			return store.ErrUnavailable
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return store.ErrUnavailable
	}
	return store.ErrUnavailable
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// keySuffix returns the last 4 characters of a key for log lines; full
// keys never reach the logs.
func keySuffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return "…" + key[len(key)-4:]
}
