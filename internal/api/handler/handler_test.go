package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vorion-labs/cognigate/internal/api/handler"
	"github.com/vorion-labs/cognigate/internal/containment"
	"github.com/vorion-labs/cognigate/internal/gate"
	"github.com/vorion-labs/cognigate/internal/kvstore"
	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

const testAdminSecret = "test-admin-secret"

type api struct {
	router *gin.Engine
	ledger *proofledger.MemoryLedger
	scorer *trust.Scorer
	tokens *handler.TokenIssuer
}

func newAPI(t *testing.T) *api {
	return newAPIWithPolicies(t, nil)
}

func newAPIWithPolicies(t *testing.T, policies *containment.PolicySet) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	ledger := proofledger.NewMemory(nil)
	scorer := trust.NewScorer(trust.DefaultConfig(), kvstore.NewMemory[trust.Record](), ledger, logger)
	g := gate.New(gate.DefaultConfig(), scorer, ledger, logger)
	controller := containment.New(containment.DefaultConfig(), policies,
		kvstore.NewMemory[containment.State](), ledger, logger)

	tokens := handler.NewTokenIssuer([]byte("test-signing-key"), "cognigate-test", time.Hour)
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	router := gin.New()
	v1 := router.Group("/api/v1")
	auth := handler.RequireAuth(tokens)
	admin := handler.RequireAdmin()

	th := handler.NewTrustHandler(scorer, logger)
	th.SetContainment(controller)

	handler.NewAuthHandler(tokens, hash, logger).Register(v1)
	th.Register(v1, auth)
	handler.NewGateHandler(g, logger).Register(v1, auth)
	handler.NewContainmentHandler(controller, logger).Register(v1, auth)
	handler.NewLedgerHandler(ledger, logger).Register(v1, auth, admin)
	handler.NewToolsHandler(g, scorer, logger).Register(v1, auth)

	return &api{router: router, ledger: ledger, scorer: scorer, tokens: tokens}
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *api) writerToken(t *testing.T) string {
	t.Helper()
	tok, err := a.tokens.Issue("test-writer", "writer")
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (a *api) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := a.tokens.Issue("test-admin", "admin")
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}
