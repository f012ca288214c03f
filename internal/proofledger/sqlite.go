package proofledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is a fixed-width UTC layout so string comparison in SQL
// matches chronological order. Timestamps are truncated to microseconds
// before hashing, so no precision is lost.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

const createSQLiteProofEventsSQL = `
CREATE TABLE IF NOT EXISTS proof_events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id       TEXT NOT NULL UNIQUE,
	event_type     TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	previous_hash  TEXT NOT NULL,
	event_hash     TEXT NOT NULL UNIQUE,
	occurred_at    TEXT NOT NULL,
	recorded_at    TEXT NOT NULL,
	signed_by      TEXT NOT NULL DEFAULT '',
	signature      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS proof_events_correlation_idx ON proof_events (correlation_id);
CREATE INDEX IF NOT EXISTS proof_events_agent_idx ON proof_events (agent_id);
CREATE INDEX IF NOT EXISTS proof_events_occurred_idx ON proof_events (occurred_at);
`

// SQLiteLedger persists the hash chain to a SQLite file, sharing the
// database handle with the kvstore collections. SQLite serves a single
// server process, so Append is serialized with an in-process mutex the way
// the memory backend does it; chain order is the monotonic seq column.
type SQLiteLedger struct {
	db     *sql.DB
	signer Signer
	logger *zap.Logger
	mu     sync.Mutex
	broken atomic.Bool
}

// NewSQLite creates a SQLiteLedger over the given handle and ensures the
// proof_events schema exists.
func NewSQLite(db *sql.DB, signer Signer, logger *zap.Logger) (*SQLiteLedger, error) {
	if signer == nil {
		signer = NoopSigner{}
	}
	if _, err := db.Exec(createSQLiteProofEventsSQL); err != nil {
		return nil, fmt.Errorf("create proof_events schema: %w", err)
	}
	return &SQLiteLedger{db: db, signer: signer, logger: logger}, nil
}

// Append implements Ledger. It reads the chain tail, computes the new hash,
// and inserts while holding the mutex, so no two appends can observe the
// same tail.
func (l *SQLiteLedger) Append(ctx context.Context, e *Event) (*Event, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if l.broken.Load() {
		return nil, fmt.Errorf("append rejected: %w", ErrChainBroken)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var exists int
	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM proof_events WHERE event_id = ?", e.EventID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check event_id: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: event_id %q", ErrDuplicateEvent, e.EventID)
	}

	prevHash := GenesisHash
	err := l.db.QueryRowContext(ctx,
		"SELECT event_hash FROM proof_events ORDER BY seq DESC LIMIT 1",
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	stored := *e
	stored.OccurredAt = stored.OccurredAt.UTC().Truncate(time.Microsecond)
	stored.PreviousHash = prevHash
	hash, err := hashEvent(&stored)
	if err != nil {
		return nil, err
	}
	stored.EventHash = hash
	stored.RecordedAt = time.Now().UTC().Truncate(time.Microsecond)
	stored.SignedBy, stored.Signature = l.signer.Sign(hash)

	var payload any
	if len(stored.Payload) > 0 {
		payload = string(stored.Payload)
	}
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO proof_events
		   (event_id, event_type, correlation_id, agent_id, payload,
		    previous_hash, event_hash, occurred_at, recorded_at, signed_by, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.EventID, string(stored.EventType), stored.CorrelationID,
		stored.AgentID, payload, stored.PreviousHash, stored.EventHash,
		stored.OccurredAt.Format(sqliteTimeLayout),
		stored.RecordedAt.Format(sqliteTimeLayout),
		stored.SignedBy, stored.Signature,
	); err != nil {
		return nil, fmt.Errorf("insert proof event: %w", err)
	}

	l.logger.Debug("proof event appended",
		zap.String("event_id", stored.EventID),
		zap.String("event_type", string(stored.EventType)),
		zap.String("agent_id", stored.AgentID),
	)
	return &stored, nil
}

// LatestHash implements Ledger.
func (l *SQLiteLedger) LatestHash(ctx context.Context) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx,
		"SELECT event_hash FROM proof_events ORDER BY seq DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("get ledger tail: %w", err)
	}
	return hash, nil
}

// Count implements Ledger.
func (l *SQLiteLedger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proof_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count proof events: %w", err)
	}
	return n, nil
}

// Query implements Ledger.
func (l *SQLiteLedger) Query(ctx context.Context, f Filter, opts QueryOptions) (*QueryResult, error) {
	where, args := buildSQLiteWhere(f)

	var total int
	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM proof_events"+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count query: %w", err)
	}

	order := " ORDER BY seq ASC"
	if opts.Descending {
		order = " ORDER BY seq DESC"
	}
	q := sqliteSelectColumns(opts.OmitPayload) + where + order
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else if opts.Offset > 0 {
		q += " LIMIT -1"
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query proof events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
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
func (l *SQLiteLedger) VerifyChain(ctx context.Context, from, to int) (*VerifyResult, error) {
	if from < 0 {
		from = 0
	}
	q := sqliteSelectColumns(false) + " ORDER BY seq ASC"
	if from > 0 {
		// Include the anchor row preceding the range.
		q += fmt.Sprintf(" LIMIT -1 OFFSET %d", from-1)
	}

	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query proof events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
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
func (l *SQLiteLedger) ClearBreak() { l.broken.Store(false) }

func sqliteSelectColumns(omitPayload bool) string {
	payload := "payload"
	if omitPayload {
		payload = "NULL"
	}
	return `SELECT event_id, event_type, correlation_id, agent_id, ` + payload + `,
	        previous_hash, event_hash, occurred_at, recorded_at, signed_by, signature
	   FROM proof_events`
}

func buildSQLiteWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, f.From.UTC().Format(sqliteTimeLayout))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "occurred_at < ?")
		args = append(args, f.To.UTC().Format(sqliteTimeLayout))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanSQLiteEvent(rows *sql.Rows) (*Event, error) {
	e := &Event{}
	var eventType string
	var payload sql.NullString
	var occurredAt, recordedAt string
	if err := rows.Scan(
		&e.EventID, &eventType, &e.CorrelationID, &e.AgentID, &payload,
		&e.PreviousHash, &e.EventHash, &occurredAt, &recordedAt,
		&e.SignedBy, &e.Signature,
	); err != nil {
		return nil, fmt.Errorf("scan proof event: %w", err)
	}
	e.EventType = EventType(eventType)
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}

	var err error
	if e.OccurredAt, err = time.Parse(sqliteTimeLayout, occurredAt); err != nil {
		return nil, fmt.Errorf("parse occurred_at %q: %w", occurredAt, err)
	}
	if e.RecordedAt, err = time.Parse(sqliteTimeLayout, recordedAt); err != nil {
		return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
	}
	return e, nil
}
