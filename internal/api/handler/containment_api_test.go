package handler_test

import (
	"net/http"
	"testing"
)

func TestContainment_applyAndGet(t *testing.T) {
	a := newAPI(t)
	tok := a.writerToken(t)

	w := a.do(t, http.MethodPost, "/api/v1/containment", tok, map[string]any{
		"entity_id": "agent-1",
		"level":     "tool_restricted",
		"reason":    "tool misuse",
		"initiator": "operator",
		"duration":  "2h",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["changed"] != true || resp["new_level"] != "tool_restricted" {
		t.Errorf("unexpected result: %v", resp)
	}

	w = a.do(t, http.MethodGet, "/api/v1/containment/agent-1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	st := decode(t, w)
	if st["level"] != "tool_restricted" {
		t.Errorf("state level: %v", st["level"])
	}
	if st["expires_at"] == nil {
		t.Error("duration did not set expires_at")
	}
}

func TestContainment_forceRequiresAdmin(t *testing.T) {
	a := newAPI(t)
	writer := a.writerToken(t)
	admin := a.adminToken(t)

	body := map[string]any{
		"entity_id": "agent-1",
		"level":     "halted",
		"reason":    "emergency",
		"initiator": "operator",
		"force":     true,
	}
	w := a.do(t, http.MethodPost, "/api/v1/containment", writer, body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for forced transition with writer token, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/api/v1/containment", admin, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", w.Code, w.Body.String())
	}
}

func TestContainment_applyCarriesEscalationPathAndNotifications(t *testing.T) {
	a := newAPI(t)
	tok := a.writerToken(t)

	w := a.do(t, http.MethodPost, "/api/v1/containment", tok, map[string]any{
		"entity_id": "agent-1",
		"level":     "monitored",
		"reason":    "elevated error rate",
		"initiator": "operator",
		"escalation_path": []map[string]any{
			{"to_level": "tool_restricted", "when": "errors persist 1h"},
		},
		"notifications": []map[string]any{
			{"channel": "email", "recipients": []string{"oncall@example.com"}, "severity": "warning", "template": "containment"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	notifs, ok := resp["notifications"].([]any)
	if !ok || len(notifs) != 1 {
		t.Errorf("result did not echo notifications: %v", resp["notifications"])
	}

	w = a.do(t, http.MethodGet, "/api/v1/containment/agent-1", "", nil)
	st := decode(t, w)
	path, ok := st["escalation_path"].([]any)
	if !ok || len(path) != 1 {
		t.Fatalf("state did not store escalation path: %v", st["escalation_path"])
	}
	step := path[0].(map[string]any)
	if step["to_level"] != "tool_restricted" {
		t.Errorf("escalation step: %v", step)
	}
}

func TestContainment_getDefaultsToFullAutonomy(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/containment/never-seen", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	st := decode(t, w)
	if st["level"] != "full_autonomy" {
		t.Errorf("stranger level: %v", st["level"])
	}
}

func TestContainment_deescalate409WhenConditionsUnmet(t *testing.T) {
	a := newAPI(t)
	tok := a.writerToken(t)

	w := a.do(t, http.MethodPost, "/api/v1/containment", tok, map[string]any{
		"entity_id": "agent-1",
		"level":     "simulation_only",
		"reason":    "anomaly",
		"initiator": "policy:anomaly",
		"deescalation_conditions": []map[string]any{
			{"kind": "manual_approval"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("setup failed: %d: %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/v1/containment/agent-1/deescalate", tok, map[string]any{
		"initiator": "operator",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/v1/containment/agent-1/deescalate", tok, map[string]any{
		"initiator":       "operator",
		"manual_approval": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["new_level"] != "human_in_loop" {
		t.Errorf("de-escalation target: %v", resp["new_level"])
	}
}

func TestAuth_tokenExchange(t *testing.T) {
	a := newAPI(t)

	// Wrong secret.
	w := a.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]any{
		"secret": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Correct secret mints a usable writer token.
	w = a.do(t, http.MethodPost, "/api/v1/auth/token", "", map[string]any{
		"secret": testAdminSecret,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	tok := decode(t, w)["token"].(string)

	w = a.do(t, http.MethodPost, "/api/v1/signals", tok, map[string]any{
		"entity_id": "agent-1",
		"type":      "behavioral.task_completion",
		"value":     1.0,
		"source":    "ci",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("minted token rejected: %d: %s", w.Code, w.Body.String())
	}
}

func TestLedger_endpoints(t *testing.T) {
	a := newAPI(t)
	writer := a.writerToken(t)
	admin := a.adminToken(t)

	// Generate a few events through the signal path.
	for i := 0; i < 3; i++ {
		w := a.do(t, http.MethodPost, "/api/v1/signals", writer, map[string]any{
			"entity_id": "agent-1",
			"type":      "behavioral.task_completion",
			"value":     1.0,
			"source":    "ci",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("signal %d failed: %d", i, w.Code)
		}
	}

	w := a.do(t, http.MethodGet, "/api/v1/ledger", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("overview: %d", w.Code)
	}
	if decode(t, w)["events"].(float64) != 3 {
		t.Errorf("overview count: %v", decode(t, w)["events"])
	}

	w = a.do(t, http.MethodGet, "/api/v1/ledger/events?agent_id=agent-1&limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: %d", w.Code)
	}
	resp := decode(t, w)
	if resp["total_count"].(float64) != 3 || resp["has_more"] != true {
		t.Errorf("pagination metadata: %v", resp)
	}

	// Verify is admin-only.
	w = a.do(t, http.MethodGet, "/api/v1/ledger/verify", writer, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for writer, got %d", w.Code)
	}
	w = a.do(t, http.MethodGet, "/api/v1/ledger/verify", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["valid"] != true {
		t.Errorf("chain should verify: %s", w.Body.String())
	}
}
