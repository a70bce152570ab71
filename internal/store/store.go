package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the delivery log. Migrate applies it idempotently.
const Schema = `
CREATE SCHEMA IF NOT EXISTS harborsink;
CREATE TABLE IF NOT EXISTS harborsink.deliveries (
	id          uuid PRIMARY KEY,
	record_id   text,
	record_key  text,
	route       text NOT NULL,
	outcome     text NOT NULL,
	http_status integer,
	last_error  text,
	duration_ms bigint NOT NULL,
	created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS deliveries_outcome_created_idx
	ON harborsink.deliveries (outcome, created_at);`

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Delivery is one terminal send outcome.
type Delivery struct {
	ID         uuid.UUID
	RecordID   string
	RecordKey  *string
	Route      string
	Outcome    string // delivered, exhausted, credential, interrupted, error
	HTTPStatus int    // 0 when no response was received
	LastError  string
	Duration   time.Duration
	CreatedAt  time.Time // set by the database
}

// ListFilter narrows ListDeliveries. Zero fields match everything.
type ListFilter struct {
	RecordID string
	Outcome  string
	Since    time.Time
	Limit    int
}

// Store appends send outcomes to Postgres. Only terminal outcomes are logged;
// the sender keeps no state between sends.
type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate delivery log: %w", err)
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO harborsink.deliveries(id, record_id, record_key, route, outcome, http_status, last_error, duration_ms)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6, 0), NULLIF($7, ''), $8)`,
		d.ID, d.RecordID, d.RecordKey, d.Route, d.Outcome, d.HTTPStatus, d.LastError, d.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", d.ID, err)
	}
	return nil
}

// ListDeliveries returns logged outcomes newest first.
func (s *Store) ListDeliveries(ctx context.Context, f ListFilter) ([]Delivery, error) {
	var (
		where []string
		args  []any
	)
	if f.RecordID != "" {
		args = append(args, f.RecordID)
		where = append(where, fmt.Sprintf("record_id = $%d", len(args)))
	}
	if f.Outcome != "" {
		args = append(args, f.Outcome)
		where = append(where, fmt.Sprintf("outcome = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	args = append(args, limit)

	q := `
		SELECT id, COALESCE(record_id, ''), record_key, route, outcome,
		       COALESCE(http_status, 0), COALESCE(last_error, ''), duration_ms, created_at
		FROM harborsink.deliveries`
	if len(where) > 0 {
		q += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf("\n\t\tORDER BY created_at DESC\n\t\tLIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d          Delivery
			durationMS int64
		)
		if err := rows.Scan(&d.ID, &d.RecordID, &d.RecordKey, &d.Route, &d.Outcome,
			&d.HTTPStatus, &d.LastError, &durationMS, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}
