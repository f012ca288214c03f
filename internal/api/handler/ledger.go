package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/proofledger"
)

// LedgerHandler exposes read-only proof ledger endpoints plus the
// verification trigger.
type LedgerHandler struct {
	ledger proofledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger proofledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// Register mounts the ledger routes. Verification walks the full chain,
// so triggering it is restricted to admin tokens.
func (h *LedgerHandler) Register(rg *gin.RouterGroup, auth, admin gin.HandlerFunc) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/events", h.Events)
		l.GET("/verify", auth, admin, h.Verify)
	}
}

// Overview handles GET /ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Count(ctx)
	if err != nil {
		h.logger.Error("ledger count", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	root, err := h.ledger.LatestHash(ctx)
	if err != nil {
		h.logger.Error("ledger latest hash", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": count,
		"root":   root,
	})
}

// Events handles GET /ledger/events with filter and pagination query
// parameters.
func (h *LedgerHandler) Events(c *gin.Context) {
	filter := proofledger.Filter{
		CorrelationID: c.Query("correlation_id"),
		AgentID:       c.Query("agent_id"),
	}
	if types := c.Query("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.EventTypes = append(filter.EventTypes, proofledger.EventType(strings.TrimSpace(t)))
		}
	}
	var err error
	if filter.From, err = parseTimeParam(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	}
	if filter.To, err = parseTimeParam(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	}

	opts := proofledger.QueryOptions{
		Descending:  c.Query("order") == "desc",
		OmitPayload: c.Query("omit_payload") == "true",
	}
	if opts.Limit, err = parseIntParam(c.DefaultQuery("limit", "100")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	if opts.Offset, err = parseIntParam(c.DefaultQuery("offset", "0")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	res, err := h.ledger.Query(c.Request.Context(), filter, opts)
	if err != nil {
		h.logger.Error("ledger query", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify handles GET /ledger/verify. Optional from/to index parameters
// bound the verified range.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, err := parseIntParam(c.DefaultQuery("from", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}
	to := -1
	if raw := c.Query("to"); raw != "" {
		if to, err = parseIntParam(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
			return
		}
	}

	res, err := h.ledger.VerifyChain(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("chain verification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chain verification failed"})
		return
	}

	RecordChainVerification(res.Valid)
	if !res.Valid {
		h.logger.Warn("ledger integrity check failed",
			zap.Int("first_broken", res.FirstBroken),
			zap.Int("invalid_count", len(res.InvalidIndexes)),
		)
	}
	c.JSON(http.StatusOK, res)
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseIntParam(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
