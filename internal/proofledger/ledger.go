// Package proofledger provides the append-only, hash-chained event store
// that every governance decision is recorded in. Appends are strictly
// serialized per ledger instance so the chain can never fork; a detected
// break fails all subsequent appends closed until manually cleared.
package proofledger

import (
	"context"
	"time"
)

// Filter selects events for a Query. Zero values match everything.
type Filter struct {
	CorrelationID string
	AgentID       string
	EventTypes    []EventType
	From          time.Time // inclusive lower bound on OccurredAt
	To            time.Time // exclusive upper bound on OccurredAt
}

func (f Filter) matches(e *Event) bool {
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

// QueryOptions controls pagination and presentation of query results.
type QueryOptions struct {
	Limit       int  // 0 means no limit
	Offset      int
	Descending  bool // newest first when true
	OmitPayload bool // strip payload bodies for lightweight summaries
}

// QueryResult is a page of events plus pagination metadata.
type QueryResult struct {
	Events     []*Event `json:"events"`
	TotalCount int      `json:"total_count"`
	HasMore    bool     `json:"has_more"`
}

// VerifyResult reports the outcome of a chain verification pass.
// FirstBroken is -1 when the chain is intact. Once a break is found, every
// later index is reported invalid as well: the chain past a corrupt prefix
// cannot be trusted.
type VerifyResult struct {
	Valid          bool  `json:"valid"`
	Checked        int   `json:"checked"`
	FirstBroken    int   `json:"first_broken"`
	InvalidIndexes []int `json:"invalid_indexes,omitempty"`
}

// Ledger is the proof event store. Both MemoryLedger and PostgresLedger
// implement this interface.
type Ledger interface {
	// Append chains a new event onto the ledger tail. It fills in
	// PreviousHash, EventHash, RecordedAt, and the optional signature, and
	// returns the stored event. Fails with ErrDuplicateEvent on event ID
	// reuse, ErrInvalidEvent on missing required fields, and ErrChainBroken
	// once a verification failure has been recorded.
	Append(ctx context.Context, e *Event) (*Event, error)

	// LatestHash returns the hash of the most recently appended event, or
	// GenesisHash when the ledger is empty.
	LatestHash(ctx context.Context) (string, error)

	// Query returns events matching the filter in storage order.
	Query(ctx context.Context, f Filter, opts QueryOptions) (*QueryResult, error)

	// VerifyChain recomputes hashes over [from, to) in storage order and
	// checks each link. to < 0 means "through the tail". A failure trips the
	// ledger's fail-closed flag.
	VerifyChain(ctx context.Context, from, to int) (*VerifyResult, error)

	// Count returns the number of events in the ledger.
	Count(ctx context.Context) (int, error)

	// ClearBreak resets the fail-closed flag after manual resolution of a
	// chain break. It does not repair the chain.
	ClearBreak()
}

// verifyEvents walks events (assumed to be in storage order, offset being
// the storage index of events[0]) and validates the hash chain. prevHash is
// the hash the first event must link to.
func verifyEvents(events []*Event, offset int, prevHash string) *VerifyResult {
	res := &VerifyResult{Valid: true, FirstBroken: -1}
	for i, e := range events {
		idx := offset + i
		res.Checked++
		if res.FirstBroken >= 0 {
			res.InvalidIndexes = append(res.InvalidIndexes, idx)
			continue
		}
		if e.PreviousHash != prevHash {
			res.markBroken(idx)
			continue
		}
		computed, err := hashEvent(e)
		if err != nil || computed != e.EventHash {
			res.markBroken(idx)
			continue
		}
		prevHash = e.EventHash
	}
	return res
}

func (r *VerifyResult) markBroken(idx int) {
	r.Valid = false
	r.FirstBroken = idx
	r.InvalidIndexes = append(r.InvalidIndexes, idx)
}
