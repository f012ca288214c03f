package proofledger_test

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/proofledger"
)

func openSQLiteLedger(t *testing.T, path string) (*proofledger.SQLiteLedger, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	l, err := proofledger.NewSQLite(db, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return l, db
}

func TestSQLite_chainsFromGenesis(t *testing.T) {
	l, _ := openSQLiteLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	tail, err := l.LatestHash(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tail != proofledger.GenesisHash {
		t.Errorf("empty ledger tail: got %q, want GenesisHash", tail)
	}

	e1, err := l.Append(ctx, newEvent("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if e1.PreviousHash != proofledger.GenesisHash {
		t.Errorf("first event PreviousHash: got %q, want GenesisHash", e1.PreviousHash)
	}
	e2, err := l.Append(ctx, newEvent("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if e2.PreviousHash != e1.EventHash {
		t.Errorf("chain broken: e2.PreviousHash=%q, want e1.EventHash=%q", e2.PreviousHash, e1.EventHash)
	}

	if _, err := l.Append(ctx, e1); !errors.Is(err, proofledger.ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestSQLite_queryFiltersAndPagination(t *testing.T) {
	l, _ := openSQLiteLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	for i := 0; i < 5; i++ {
		e := newEvent("agent-a")
		e.EventType = proofledger.EventGateEvaluated
		if _, err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, newEvent("agent-b")); err != nil {
			t.Fatal(err)
		}
	}

	res, err := l.Query(ctx, proofledger.Filter{AgentID: "agent-a"}, proofledger.QueryOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalCount != 5 {
		t.Errorf("TotalCount: got %d, want 5", res.TotalCount)
	}
	if len(res.Events) != 2 || !res.HasMore {
		t.Errorf("page: got %d events hasMore=%v, want 2 events hasMore=true", len(res.Events), res.HasMore)
	}

	res, err = l.Query(ctx, proofledger.Filter{
		EventTypes: []proofledger.EventType{proofledger.EventTrustScoreUpdated},
	}, proofledger.QueryOptions{Descending: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 3 {
		t.Fatalf("type filter: got %d events, want 3", len(res.Events))
	}
	if res.Events[0].RecordedAt.Before(res.Events[2].RecordedAt) {
		t.Error("descending order not honored")
	}

	res, err = l.Query(ctx, proofledger.Filter{}, proofledger.QueryOptions{OmitPayload: true, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events[0].Payload) != 0 {
		t.Error("OmitPayload did not strip payload body")
	}
}

func TestSQLite_verifyValidChain(t *testing.T) {
	l, _ := openSQLiteLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := l.Append(ctx, newEvent("agent-1")); err != nil {
			t.Fatal(err)
		}
	}
	res, err := l.VerifyChain(ctx, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.FirstBroken != -1 || res.Checked != n {
		t.Errorf("valid chain: got valid=%v firstBroken=%d checked=%d", res.Valid, res.FirstBroken, res.Checked)
	}
}

func TestSQLite_verifyDetectsTamperAndFailsClosed(t *testing.T) {
	l, db := openSQLiteLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	for i := 0; i < 6; i++ {
		if _, err := l.Append(ctx, newEvent("agent-1")); err != nil {
			t.Fatal(err)
		}
	}

	// Rewrite a stored payload out from under the chain, as an attacker with
	// database access would.
	if _, err := db.Exec(
		"UPDATE proof_events SET payload = ? WHERE seq = 3", `{"forged":true}`,
	); err != nil {
		t.Fatal(err)
	}

	res, err := l.VerifyChain(ctx, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if res.FirstBroken != 2 {
		t.Errorf("FirstBroken: got %d, want 2", res.FirstBroken)
	}
	if len(res.InvalidIndexes) != 4 {
		t.Errorf("InvalidIndexes: got %v, want indexes 2..5", res.InvalidIndexes)
	}

	_, err = l.Append(ctx, newEvent("agent-1"))
	if !errors.Is(err, proofledger.ErrChainBroken) {
		t.Errorf("append after chain break: expected ErrChainBroken, got %v", err)
	}

	l.ClearBreak()
	if _, err := l.Append(ctx, newEvent("agent-1")); err != nil {
		t.Errorf("append after ClearBreak: %v", err)
	}
}

func TestSQLite_chainSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l1, db := openSQLiteLedger(t, path)
	for i := 0; i < 3; i++ {
		if _, err := l1.Append(ctx, newEvent("agent-1")); err != nil {
			t.Fatal(err)
		}
	}
	tail, err := l1.LatestHash(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	l2, _ := openSQLiteLedger(t, path)
	got, err := l2.LatestHash(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != tail {
		t.Errorf("tail after reopen: got %q, want %q", got, tail)
	}

	e, err := l2.Append(ctx, newEvent("agent-1"))
	if err != nil {
		t.Fatal(err)
	}
	if e.PreviousHash != tail {
		t.Errorf("reopened ledger did not chain onto the old tail: %q vs %q", e.PreviousHash, tail)
	}

	res, err := l2.VerifyChain(ctx, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 4 {
		t.Errorf("chain after reopen: valid=%v checked=%d", res.Valid, res.Checked)
	}
}
