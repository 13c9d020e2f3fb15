package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/timur-nocodia/n8n-streaming-microservice/internal/relay"
)

// Ledger persists per-stream accounting rows to Postgres. It is optional
// infrastructure: the relay treats insert failures as log-and-continue, and
// deployments without DATABASE_URL run without it entirely. No conversation
// content is stored, only accounting.
type Ledger struct {
	db *sql.DB
}

// Ensure Ledger satisfies the relay's recorder contract
var _ relay.Recorder = (*Ledger)(nil)

// Open connects to Postgres, verifies the connection and ensures the
// accounting table exists.
func Open(databaseURL string) (*Ledger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS stream_completions (
			id            BIGSERIAL PRIMARY KEY,
			stream_id     TEXT        NOT NULL,
			user_id       TEXT        NOT NULL DEFAULT '',
			chat_id       TEXT        NOT NULL DEFAULT '',
			model         TEXT        NOT NULL,
			cause         TEXT        NOT NULL,
			input_tokens  INTEGER,
			output_tokens INTEGER,
			answer_chars  INTEGER     NOT NULL,
			duration_ms   BIGINT      NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`

	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// RecordCompletion implements relay.Recorder.
func (l *Ledger) RecordCompletion(ctx context.Context, c relay.Completion) error {
	const query = `
		INSERT INTO stream_completions
			(stream_id, user_id, chat_id, model, cause, input_tokens, output_tokens, answer_chars, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := l.db.ExecContext(ctx, query,
		c.StreamID,
		c.UserID,
		c.ChatID,
		c.Model,
		string(c.Cause),
		nullableInt(c.InputTokens),
		nullableInt(c.OutputTokens),
		c.AnswerChars,
		c.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert completion: %w", err)
	}
	return nil
}

func nullableInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
