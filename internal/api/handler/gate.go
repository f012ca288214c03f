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

// GateHandler exposes pre-action risk checks.
type GateHandler struct {
	gate   *gate.Gate
	logger *zap.Logger
}

// NewGateHandler creates a GateHandler.
func NewGateHandler(g *gate.Gate, logger *zap.Logger) *GateHandler {
	return &GateHandler{gate: g, logger: logger}
}

// Register mounts the gate routes on the given router group.
func (h *GateHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	rg.POST("/gate/check", auth, h.Check)
}

type gateCheckRequest struct {
	EntityID      string  `json:"entity_id" binding:"required"`
	CorrelationID string  `json:"correlation_id"`
	Action        string  `json:"action_type" binding:"required"`
	Sensitivity   string  `json:"data_sensitivity" binding:"required"`
	Reversibility string  `json:"reversibility" binding:"required"`
	Magnitude     float64 `json:"magnitude"`
}

// Check handles POST /gate/check.
func (h *GateHandler) Check(c *gin.Context) {
	var req gateCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := h.gate.Evaluate(c.Request.Context(), gate.Request{
		EntityID:      req.EntityID,
		CorrelationID: req.CorrelationID,
		Action:        gate.ActionType(req.Action),
		Sensitivity:   gate.DataSensitivity(req.Sensitivity),
		Reversibility: gate.Reversibility(req.Reversibility),
		Magnitude:     req.Magnitude,
	})
	if err != nil {
		var verr *trust.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, proofledger.ErrChainBroken):
			c.JSON(http.StatusConflict, gin.H{"error": "proof ledger chain is broken; appends are suspended"})
		default:
			h.logger.Error("gate check", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "gate evaluation failed"})
		}
		return
	}

	RecordGateDecision(string(decision.RiskLevel), decision.Allowed)
	RecordLedgerAppend()
	c.JSON(http.StatusOK, decision)
}
