package proofledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all server instances sharing a database.
const advisoryLockKey = int64(7_245_310_991)

const createProofEventsSQL = `
CREATE TABLE IF NOT EXISTS proof_events (
	seq            BIGSERIAL PRIMARY KEY,
	event_id       TEXT NOT NULL UNIQUE,
	event_type     TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL DEFAULT '',
	payload        JSONB,
	previous_hash  TEXT NOT NULL,
	event_hash     TEXT NOT NULL UNIQUE,
	occurred_at    TIMESTAMPTZ NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL,
	signed_by      TEXT NOT NULL DEFAULT '',
	signature      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS proof_events_correlation_idx ON proof_events (correlation_id);
CREATE INDEX IF NOT EXISTS proof_events_agent_idx ON proof_events (agent_id);
CREATE INDEX IF NOT EXISTS proof_events_occurred_idx ON proof_events (occurred_at);
`

// PostgresLedger persists the hash chain to PostgreSQL. Chain order is the
// monotonic seq column, never the timestamps, so clock skew cannot reorder
// the chain.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	signer Signer
	logger *zap.Logger
	broken atomic.Bool
}

// NewPostgres creates a PostgresLedger backed by the given connection pool
// and ensures the proof_events schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, signer Signer, logger *zap.Logger) (*PostgresLedger, error) {
	if signer == nil {
		signer = NoopSigner{}
	}
	if _, err := pool.Exec(ctx, createProofEventsSQL); err != nil {
		return nil, fmt.Errorf("create proof_events schema: %w", err)
	}
	return &PostgresLedger{pool: pool, signer: signer, logger: logger}, nil
}

// Append implements Ledger. It acquires a transaction-scoped advisory lock,
// reads the chain tail, computes the new hash, and inserts — all in one
// transaction, so no two appends can observe the same tail.
func (l *PostgresLedger) Append(ctx context.Context, e *Event) (*Event, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if l.broken.Load() {
		return nil, fmt.Errorf("append rejected: %w", ErrChainBroken)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	prevHash := GenesisHash
	err = tx.QueryRow(ctx,
		"SELECT event_hash FROM proof_events ORDER BY seq DESC LIMIT 1",
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	stored := *e
	// Postgres timestamps carry microseconds; hash what will be stored.
	stored.OccurredAt = stored.OccurredAt.UTC().Truncate(time.Microsecond)
	stored.PreviousHash = prevHash
	hash, err := hashEvent(&stored)
	if err != nil {
		return nil, err
	}
	stored.EventHash = hash
	stored.RecordedAt = time.Now().UTC()
	stored.SignedBy, stored.Signature = l.signer.Sign(hash)

	if _, err := tx.Exec(ctx,
		`INSERT INTO proof_events
		   (event_id, event_type, correlation_id, agent_id, payload,
		    previous_hash, event_hash, occurred_at, recorded_at, signed_by, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		stored.EventID, string(stored.EventType), stored.CorrelationID,
		stored.AgentID, stored.Payload, stored.PreviousHash, stored.EventHash,
		stored.OccurredAt, stored.RecordedAt, stored.SignedBy, stored.Signature,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: event_id %q", ErrDuplicateEvent, stored.EventID)
		}
		return nil, fmt.Errorf("insert proof event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit proof event: %w", err)
	}

	l.logger.Debug("proof event appended",
		zap.String("event_id", stored.EventID),
		zap.String("event_type", string(stored.EventType)),
		zap.String("agent_id", stored.AgentID),
	)
	return &stored, nil
}

// LatestHash implements Ledger.
func (l *PostgresLedger) LatestHash(ctx context.Context) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx,
		"SELECT event_hash FROM proof_events ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("get ledger tail: %w", err)
	}
	return hash, nil
}

// Count implements Ledger.
func (l *PostgresLedger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM proof_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count proof events: %w", err)
	}
	return n, nil
}

// Query implements Ledger.
func (l *PostgresLedger) Query(ctx context.Context, f Filter, opts QueryOptions) (*QueryResult, error) {
	where, args := buildWhere(f)

	var total int
	if err := l.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM proof_events"+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count query: %w", err)
	}

	order := " ORDER BY seq ASC"
	if opts.Descending {
		order = " ORDER BY seq DESC"
	}
	q := selectColumns(opts.OmitPayload) + where + order
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query proof events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e, err := scanEvent(rows, opts.OmitPayload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proof events: %w", err)
	}

	hasMore := opts.Limit > 0 && opts.Offset+len(events) < total
	return &QueryResult{Events: events, TotalCount: total, HasMore: hasMore}, nil
}

// VerifyChain implements Ledger. It streams rows ordered by seq and
// validates every link. O(n) in chain length.
func (l *PostgresLedger) VerifyChain(ctx context.Context, from, to int) (*VerifyResult, error) {
	if from < 0 {
		from = 0
	}
	q := selectColumns(false) + " ORDER BY seq ASC"
	if from > 0 {
		// Include the anchor row preceding the range.
		q += fmt.Sprintf(" OFFSET %d", from-1)
	}

	rows, err := l.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query proof events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows, false)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proof events: %w", err)
	}

	prevHash := GenesisHash
	if from > 0 {
		if len(events) == 0 {
			return nil, fmt.Errorf("verify range start %d beyond chain tail", from)
		}
		prevHash = events[0].EventHash
		events = events[1:]
	}
	if to >= 0 && to-from < len(events) {
		events = events[:to-from]
	}

	res := verifyEvents(events, from, prevHash)
	if !res.Valid {
		l.broken.Store(true)
		l.logger.Warn("proof chain verification FAILED",
			zap.Int("first_broken", res.FirstBroken),
		)
	}
	return res, nil
}

// ClearBreak implements Ledger.
func (l *PostgresLedger) ClearBreak() { l.broken.Store(false) }

func selectColumns(omitPayload bool) string {
	payload := "payload"
	if omitPayload {
		payload = "NULL"
	}
	return `SELECT event_id, event_type, correlation_id, agent_id, ` + payload + `,
	        previous_hash, event_hash, occurred_at, recorded_at, signed_by, signature
	   FROM proof_events`
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEvent(rows pgx.Rows, omitPayload bool) (*Event, error) {
	e := &Event{}
	var eventType string
	if err := rows.Scan(
		&e.EventID, &eventType, &e.CorrelationID, &e.AgentID, &e.Payload,
		&e.PreviousHash, &e.EventHash, &e.OccurredAt, &e.RecordedAt,
		&e.SignedBy, &e.Signature,
	); err != nil {
		return nil, fmt.Errorf("scan proof event: %w", err)
	}
	e.EventType = EventType(eventType)
	if omitPayload {
		e.Payload = nil
	}
	return e, nil
}
