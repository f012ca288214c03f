package proofledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation. It is
// used in tests and in single-process deployments without durability
// requirements.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []*Event
	byID   map[string]int
	signer Signer
	broken atomic.Bool
}

// NewMemory creates an empty MemoryLedger. The signer may be nil, in which
// case events are stored unsigned.
func NewMemory(signer Signer) *MemoryLedger {
	if signer == nil {
		signer = NoopSigner{}
	}
	return &MemoryLedger{
		byID:   make(map[string]int),
		signer: signer,
	}
}

// Append implements Ledger. The whole read-tail → hash → write section runs
// under the write lock, so two appends can never observe the same tail.
func (l *MemoryLedger) Append(_ context.Context, e *Event) (*Event, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if l.broken.Load() {
		return nil, fmt.Errorf("append rejected: %w", ErrChainBroken)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[e.EventID]; exists {
		return nil, fmt.Errorf("%w: event_id %q", ErrDuplicateEvent, e.EventID)
	}

	stored := *e
	// Microsecond precision: timestamp columns cannot round-trip nanoseconds,
	// and the hash must survive a store/reload cycle.
	stored.OccurredAt = stored.OccurredAt.UTC().Truncate(time.Microsecond)
	stored.PreviousHash = l.tailHashLocked()

	hash, err := hashEvent(&stored)
	if err != nil {
		return nil, err
	}
	stored.EventHash = hash
	stored.RecordedAt = time.Now().UTC()
	stored.SignedBy, stored.Signature = l.signer.Sign(hash)

	l.byID[stored.EventID] = len(l.events)
	l.events = append(l.events, &stored)
	return &stored, nil
}

func (l *MemoryLedger) tailHashLocked() string {
	if len(l.events) == 0 {
		return GenesisHash
	}
	return l.events[len(l.events)-1].EventHash
}

// LatestHash implements Ledger.
func (l *MemoryLedger) LatestHash(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tailHashLocked(), nil
}

// Count implements Ledger.
func (l *MemoryLedger) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events), nil
}

// Query implements Ledger.
func (l *MemoryLedger) Query(_ context.Context, f Filter, opts QueryOptions) (*QueryResult, error) {
	l.mu.RLock()
	var matched []*Event
	for _, e := range l.events {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	l.mu.RUnlock()

	if opts.Descending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	total := len(matched)
	if opts.Offset > 0 {
		if opts.Offset >= total {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	hasMore := false
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
		hasMore = true
	}

	out := make([]*Event, len(matched))
	for i, e := range matched {
		if opts.OmitPayload {
			out[i] = e.stripped()
		} else {
			clone := *e
			out[i] = &clone
		}
	}
	return &QueryResult{Events: out, TotalCount: total, HasMore: hasMore}, nil
}

// VerifyChain implements Ledger.
func (l *MemoryLedger) VerifyChain(_ context.Context, from, to int) (*VerifyResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.events)
	if from < 0 {
		from = 0
	}
	if to < 0 || to > n {
		to = n
	}
	if from > to {
		return nil, fmt.Errorf("invalid verify range [%d, %d)", from, to)
	}

	prevHash := GenesisHash
	if from > 0 {
		prevHash = l.events[from-1].EventHash
	}
	res := verifyEvents(l.events[from:to], from, prevHash)
	if !res.Valid {
		l.broken.Store(true)
	}
	return res, nil
}

// ClearBreak implements Ledger.
func (l *MemoryLedger) ClearBreak() { l.broken.Store(false) }
