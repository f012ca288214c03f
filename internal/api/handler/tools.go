package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/gate"
	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

// ToolsHandler exposes the helpers an agent embeds in its own action loop:
// a cheap permitted-check and self-report hooks that feed the scorer.
type ToolsHandler struct {
	gate   *gate.Gate
	scorer *trust.Scorer
	logger *zap.Logger
}

// NewToolsHandler creates a ToolsHandler.
func NewToolsHandler(g *gate.Gate, scorer *trust.Scorer, logger *zap.Logger) *ToolsHandler {
	return &ToolsHandler{gate: g, scorer: scorer, logger: logger}
}

// Register mounts the tool routes on the given router group.
func (h *ToolsHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	tools := rg.Group("/tools")
	{
		tools.GET("/:entityID/permitted/:action", h.Permitted)
		tools.POST("/:entityID/report", auth, h.Report)
	}
}

// Permitted handles GET /tools/:entityID/permitted/:action.
func (h *ToolsHandler) Permitted(c *gin.Context) {
	ok, level, err := h.gate.Permitted(c.Request.Context(), c.Param("entityID"), gate.ActionType(c.Param("action")))
	if err != nil {
		var verr *trust.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		h.logger.Error("permitted check", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permitted check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entity_id":  c.Param("entityID"),
		"action":     c.Param("action"),
		"permitted":  ok,
		"risk_level": level,
	})
}

type reportRequest struct {
	Success *bool  `json:"success" binding:"required"`
	TaskID  string `json:"task_id"`
	Source  string `json:"source"`
}

// Report handles POST /tools/:entityID/report. Self-reported outcomes
// flow through the same signal ingestion path as any other source.
func (h *ToolsHandler) Report(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	value := 0.0
	if *req.Success {
		value = 1.0
	}
	source := req.Source
	if source == "" {
		source = "self-report"
	}
	var metadata map[string]string
	if req.TaskID != "" {
		metadata = map[string]string{"task_id": req.TaskID}
	}

	rec, err := h.scorer.RecordSignal(c.Request.Context(), trust.Signal{
		EntityID: c.Param("entityID"),
		Type:     trust.SignalTaskCompletion,
		Value:    value,
		Source:   source,
		Metadata: metadata,
	})
	if err != nil {
		var verr *trust.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, proofledger.ErrChainBroken):
			c.JSON(http.StatusConflict, gin.H{"error": "proof ledger chain is broken; appends are suspended"})
		default:
			h.logger.Error("self-report", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record report"})
		}
		return
	}

	RecordSignal(string(trust.SignalTaskCompletion))
	RecordLedgerAppend()
	c.JSON(http.StatusOK, rec)
}
