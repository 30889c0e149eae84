package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
)

const pgLogPrefix = "deadletter:postgres"

// PgStore journals entries in the dead_letters table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a store over pool. The schema must already be applied.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Record implements Store.
func (s *PgStore) Record(ctx context.Context, env *envelope.Envelope, reason string) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("%s - %w", pgLogPrefix, err)
	}
	e := newEntry(env, reason, data, time.Now())
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters (msg_id, correlation_id, kind, target, reason, envelope, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.MsgID, e.CorrelationID, string(e.Kind), e.Target, e.Reason, string(e.Envelope), e.RecordedAt)
	if err != nil {
		return fmt.Errorf("%s - insert failed: %w", pgLogPrefix, err)
	}
	return nil
}

// List implements Store, newest first.
func (s *PgStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, msg_id, correlation_id, kind, target, reason, envelope::text, recorded_at
		 FROM dead_letters ORDER BY recorded_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - query failed: %w", pgLogPrefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			data string
		)
		if err := rows.Scan(&e.ID, &e.MsgID, &e.CorrelationID, &kind, &e.Target, &e.Reason, &data, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("%s - scan failed: %w", pgLogPrefix, err)
		}
		e.Kind = envelope.Kind(kind)
		e.Envelope = []byte(data)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - rows: %w", pgLogPrefix, err)
	}
	return out, nil
}

// Purge deletes entries recorded before cutoff and returns how many were removed.
func (s *PgStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s - purge failed: %w", pgLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the database is reachable.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
