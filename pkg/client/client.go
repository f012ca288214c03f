package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrDenied is returned by helpers that interpret a deny decision as an
// error, such as MustCheckAction.
var ErrDenied = errors.New("action denied by gate")

// TrustRecord mirrors the server's trust record.
type TrustRecord struct {
	EntityID               string             `json:"entity_id"`
	Score                  float64            `json:"score"`
	Level                  int                `json:"level"`
	Components             map[string]float64 `json:"components"`
	LastCalculatedAt       time.Time          `json:"last_calculated_at"`
	AcceleratedDecayActive bool               `json:"accelerated_decay_active"`
}

// Band mirrors one trust band.
type Band struct {
	Level int     `json:"level"`
	Name  string  `json:"name"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// BandStatus is the band position plus threshold distances.
type BandStatus struct {
	Band              Band    `json:"band"`
	Score             float64 `json:"score"`
	PointsToPromotion float64 `json:"points_to_promotion"`
	PointsToDemotion  float64 `json:"points_to_demotion"`
}

// Signal is one behavioral observation to submit.
type Signal struct {
	EntityID string            `json:"entity_id"`
	Type     string            `json:"type"`
	Value    float64           `json:"value"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GateCheck is a pre-action verification request.
type GateCheck struct {
	EntityID      string  `json:"entity_id"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Action        string  `json:"action_type"`
	Sensitivity   string  `json:"data_sensitivity"`
	Reversibility string  `json:"reversibility"`
	Magnitude     float64 `json:"magnitude,omitempty"`
}

// GateDecision mirrors the server's gate verdict.
type GateDecision struct {
	Allowed               bool     `json:"allowed"`
	RiskLevel             string   `json:"risk_level"`
	RequiresVerification  bool     `json:"requires_verification"`
	RequiresHumanApproval bool     `json:"requires_human_approval"`
	EntityBand            Band     `json:"entity_band"`
	Explanation           []string `json:"explanation"`
}

// ContainRequest asks for a containment transition.
type ContainRequest struct {
	EntityID     string   `json:"entity_id"`
	Level        string   `json:"level"`
	Reason       string   `json:"reason"`
	Restrictions []string `json:"restrictions,omitempty"`
	Duration     string   `json:"duration,omitempty"`
	Initiator    string   `json:"initiator"`
	Evidence     []string `json:"evidence,omitempty"`
	Force        bool     `json:"force,omitempty"`
}

// ContainmentState mirrors the server's per-entity posture.
type ContainmentState struct {
	EntityID     string     `json:"entity_id"`
	Level        string     `json:"level"`
	Reason       string     `json:"reason"`
	Restrictions []string   `json:"restrictions"`
	AppliedAt    time.Time  `json:"applied_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Initiator    string     `json:"initiator"`
}

// ContainmentResult reports a transition attempt.
type ContainmentResult struct {
	EntityID      string            `json:"entity_id"`
	Changed       bool              `json:"changed"`
	PreviousLevel string            `json:"previous_level"`
	NewLevel      string            `json:"new_level"`
	State         *ContainmentState `json:"state"`
	Warnings      []string          `json:"warnings"`
}

// Event mirrors one proof ledger event.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	AgentID       string          `json:"agent_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PreviousHash  string          `json:"previous_hash"`
	EventHash     string          `json:"event_hash"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// EventQuery selects and paginates ledger events.
type EventQuery struct {
	CorrelationID string
	AgentID       string
	Types         []string
	Limit         int
	Offset        int
	Descending    bool
	OmitPayload   bool
}

// EventsPage is one page of ledger events.
type EventsPage struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	HasMore    bool    `json:"has_more"`
}

// VerifyResult mirrors the server's chain verification report.
type VerifyResult struct {
	Valid          bool  `json:"valid"`
	Checked        int   `json:"checked"`
	FirstBroken    int   `json:"first_broken"`
	InvalidIndexes []int `json:"invalid_indexes"`
}

// Client is the Cognigate SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a pre-obtained API token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// New creates a Client connected to baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FetchToken exchanges the deployment secret for an API token and caches
// it on the client. role is "writer" or "admin"; empty means writer.
func (c *Client) FetchToken(ctx context.Context, secret, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/auth/token",
		map[string]string{"secret": secret, "role": role}, &resp)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = resp.Token
	c.mu.Unlock()
	return resp.Token, nil
}

// RecordSignal submits one behavioral signal and returns the updated
// trust record.
func (c *Client) RecordSignal(ctx context.Context, sig Signal) (*TrustRecord, error) {
	var rec TrustRecord
	if err := c.call(ctx, http.MethodPost, "/api/v1/signals", sig, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CurrentTrust returns the entity's trust record.
func (c *Client) CurrentTrust(ctx context.Context, entityID string) (*TrustRecord, error) {
	var rec TrustRecord
	path := "/api/v1/trust/" + url.PathEscape(entityID)
	if err := c.call(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// BandStatus returns the entity's band plus threshold distances.
func (c *Client) BandStatus(ctx context.Context, entityID string) (*BandStatus, error) {
	var status BandStatus
	path := "/api/v1/trust/" + url.PathEscape(entityID) + "/band"
	if err := c.call(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CheckAction runs a pre-action gate evaluation.
func (c *Client) CheckAction(ctx context.Context, check GateCheck) (*GateDecision, error) {
	var d GateDecision
	if err := c.call(ctx, http.MethodPost, "/api/v1/gate/check", check, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// MustCheckAction is CheckAction but returns ErrDenied when the gate says
// no, for callers that treat a denial as fatal.
func (c *Client) MustCheckAction(ctx context.Context, check GateCheck) (*GateDecision, error) {
	d, err := c.CheckAction(ctx, check)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return d, fmt.Errorf("%w: %s", ErrDenied, strings.Join(d.Explanation, "; "))
	}
	return d, nil
}

// Permitted reports whether the action category is currently permitted for
// the entity. It records nothing server-side.
func (c *Client) Permitted(ctx context.Context, entityID, action string) (bool, error) {
	var resp struct {
		Permitted bool `json:"permitted"`
	}
	path := "/api/v1/tools/" + url.PathEscape(entityID) + "/permitted/" + url.PathEscape(action)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Permitted, nil
}

// ReportTaskSuccess self-reports a completed task, feeding the scorer.
func (c *Client) ReportTaskSuccess(ctx context.Context, entityID, taskID string) (*TrustRecord, error) {
	return c.report(ctx, entityID, taskID, true)
}

// ReportTaskFailure self-reports a failed task, feeding the scorer.
func (c *Client) ReportTaskFailure(ctx context.Context, entityID, taskID string) (*TrustRecord, error) {
	return c.report(ctx, entityID, taskID, false)
}

func (c *Client) report(ctx context.Context, entityID, taskID string, success bool) (*TrustRecord, error) {
	var rec TrustRecord
	path := "/api/v1/tools/" + url.PathEscape(entityID) + "/report"
	body := map[string]any{"success": success}
	if taskID != "" {
		body["task_id"] = taskID
	}
	if err := c.call(ctx, http.MethodPost, path, body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Contain requests a containment transition.
func (c *Client) Contain(ctx context.Context, req ContainRequest) (*ContainmentResult, error) {
	var res ContainmentResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/containment", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Containment returns the entity's current containment state.
func (c *Client) Containment(ctx context.Context, entityID string) (*ContainmentState, error) {
	var st ContainmentState
	path := "/api/v1/containment/" + url.PathEscape(entityID)
	if err := c.call(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Deescalate runs the entity's stored de-escalation conditions against the
// supplied evidence and, when they all hold, reduces severity.
func (c *Client) Deescalate(ctx context.Context, entityID, targetLevel, initiator string, trustScore float64, manualApproval bool) (*ContainmentResult, error) {
	var res ContainmentResult
	path := "/api/v1/containment/" + url.PathEscape(entityID) + "/deescalate"
	err := c.call(ctx, http.MethodPost, path, map[string]any{
		"target_level":    targetLevel,
		"initiator":       initiator,
		"trust_score":     trustScore,
		"manual_approval": manualApproval,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// LedgerEvents queries the proof ledger.
func (c *Client) LedgerEvents(ctx context.Context, q EventQuery) (*EventsPage, error) {
	params := url.Values{}
	if q.CorrelationID != "" {
		params.Set("correlation_id", q.CorrelationID)
	}
	if q.AgentID != "" {
		params.Set("agent_id", q.AgentID)
	}
	if len(q.Types) > 0 {
		params.Set("types", strings.Join(q.Types, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Descending {
		params.Set("order", "desc")
	}
	if q.OmitPayload {
		params.Set("omit_payload", "true")
	}

	path := "/api/v1/ledger/events"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page EventsPage
	if err := c.call(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// VerifyLedger triggers a full chain verification. Requires an admin token.
func (c *Client) VerifyLedger(ctx context.Context) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// call executes one JSON round-trip against the API.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.mu.Lock()
	token := c.bearerToken
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}

	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
