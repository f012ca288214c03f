package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/containment"
	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

// TrustHandler exposes signal ingestion and trust queries.
type TrustHandler struct {
	scorer      *trust.Scorer
	containment *containment.Controller
	logger      *zap.Logger
}

// NewTrustHandler creates a TrustHandler.
func NewTrustHandler(scorer *trust.Scorer, logger *zap.Logger) *TrustHandler {
	return &TrustHandler{scorer: scorer, logger: logger}
}

// SetContainment attaches the containment controller so every ingested
// signal is also evaluated against the active policy set. Without it,
// containment moves only through explicit requests.
func (h *TrustHandler) SetContainment(ctrl *containment.Controller) {
	h.containment = ctrl
}

// Register mounts the trust routes on the given router group. auth guards
// the write path only; reads stay open.
func (h *TrustHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	rg.POST("/signals", auth, h.IngestSignal)
	tr := rg.Group("/trust")
	{
		tr.GET("/:entityID", h.GetRecord)
		tr.GET("/:entityID/band", h.GetBand)
	}
}

type signalRequest struct {
	EntityID string            `json:"entity_id" binding:"required"`
	Type     string            `json:"type" binding:"required"`
	Value    *float64          `json:"value" binding:"required"`
	Source   string            `json:"source" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

// IngestSignal handles POST /signals.
func (h *TrustHandler) IngestSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sigType, err := trust.ParseSignalType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.scorer.RecordSignal(c.Request.Context(), trust.Signal{
		EntityID: req.EntityID,
		Type:     sigType,
		Value:    *req.Value,
		Source:   req.Source,
		Metadata: req.Metadata,
	})
	if err != nil {
		var verr *trust.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, proofledger.ErrChainBroken):
			c.JSON(http.StatusConflict, gin.H{"error": "proof ledger chain is broken; appends are suspended"})
		default:
			h.logger.Error("record signal", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record signal"})
		}
		return
	}

	RecordSignal(req.Type)
	RecordLedgerAppend()

	if h.containment != nil {
		sig := policySignals(rec, sigType, *req.Value, h.scorer.Config().FailureThreshold)
		res, err := h.containment.EvaluatePolicies(c.Request.Context(), sig)
		if err != nil {
			// The signal itself is already recorded; a failed policy pass must
			// not turn that into a client error.
			h.logger.Error("policy evaluation", zap.String("entity_id", req.EntityID), zap.Error(err))
		} else if res != nil && res.Changed {
			RecordContainmentTransition(string(res.NewLevel))
			RecordLedgerAppend()
		}
	}

	c.JSON(http.StatusOK, rec)
}

// policySignals derives the containment policy inputs from the updated
// record. Components hold goodness in [0,1], so the rate-style triggers
// read the complement.
func policySignals(rec *trust.Record, sigType trust.SignalType, value, failureThreshold float64) containment.Signals {
	sig := containment.Signals{
		EntityID:   rec.EntityID,
		TrustScore: rec.Score,
	}
	if v, ok := rec.Components[trust.SignalErrorRate]; ok {
		sig.ErrorRate = 1 - v
	}
	if v, ok := rec.Components[trust.SignalAnomaly]; ok {
		sig.AnomalyScore = 1 - v
	}
	sig.CapabilityAbuse = sigType == trust.SignalCapabilityUse && value < failureThreshold
	return sig
}

// GetRecord handles GET /trust/:entityID.
func (h *TrustHandler) GetRecord(c *gin.Context) {
	rec, err := h.scorer.GetScore(c.Request.Context(), c.Param("entityID"))
	if err != nil {
		if errors.Is(err, trust.ErrUnknownEntity) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entity has never been scored"})
			return
		}
		h.logger.Error("get trust record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trust record"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetBand handles GET /trust/:entityID/band.
func (h *TrustHandler) GetBand(c *gin.Context) {
	status, err := h.scorer.BandStatusFor(c.Request.Context(), c.Param("entityID"))
	if err != nil {
		if errors.Is(err, trust.ErrUnknownEntity) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entity has never been scored"})
			return
		}
		h.logger.Error("get band status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load band status"})
		return
	}
	c.JSON(http.StatusOK, status)
}
