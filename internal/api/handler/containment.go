package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/containment"
	"github.com/vorion-labs/cognigate/internal/kvstore"
	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

// ContainmentHandler exposes the containment state machine.
type ContainmentHandler struct {
	controller *containment.Controller
	logger     *zap.Logger
}

// NewContainmentHandler creates a ContainmentHandler.
func NewContainmentHandler(controller *containment.Controller, logger *zap.Logger) *ContainmentHandler {
	return &ContainmentHandler{controller: controller, logger: logger}
}

// Register mounts the containment routes. Transitions need a writer token;
// forced transitions need an admin token, enforced in the handler since
// force is a request field, not a route.
func (h *ContainmentHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	ct := rg.Group("/containment")
	{
		ct.POST("", auth, h.Apply)
		ct.GET("/:entityID", h.Get)
		ct.POST("/:entityID/deescalate", auth, h.Deescalate)
	}
}

type containRequest struct {
	EntityID               string                              `json:"entity_id" binding:"required"`
	Level                  string                              `json:"level" binding:"required"`
	Reason                 string                              `json:"reason" binding:"required"`
	Restrictions           []string                            `json:"restrictions"`
	Duration               string                              `json:"duration"`
	Initiator              string                              `json:"initiator" binding:"required"`
	Evidence               []string                            `json:"evidence"`
	Force                  bool                                `json:"force"`
	DeescalationConditions []containment.DeescalationCondition `json:"deescalation_conditions"`
	EscalationPath         []containment.EscalationStep        `json:"escalation_path"`
	Notifications          []containment.Notification          `json:"notifications"`
}

// Apply handles POST /containment.
func (h *ContainmentHandler) Apply(c *gin.Context) {
	var req containRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Force && !IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forced transitions require an admin token"})
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "duration must be a valid duration string"})
			return
		}
		duration = d
	}

	res, err := h.controller.Apply(c.Request.Context(), containment.Request{
		EntityID:               req.EntityID,
		Level:                  containment.Level(req.Level),
		Reason:                 req.Reason,
		Restrictions:           req.Restrictions,
		Duration:               duration,
		Initiator:              req.Initiator,
		Evidence:               req.Evidence,
		Force:                  req.Force,
		DeescalationConditions: req.DeescalationConditions,
		EscalationPath:         req.EscalationPath,
		Notifications:          req.Notifications,
	})
	if err != nil {
		h.writeError(c, err, "apply containment")
		return
	}

	if res.Changed {
		RecordContainmentTransition(string(res.NewLevel))
		RecordLedgerAppend()
	}
	c.JSON(http.StatusOK, res)
}

// Get handles GET /containment/:entityID.
func (h *ContainmentHandler) Get(c *gin.Context) {
	st, err := h.controller.Get(c.Request.Context(), c.Param("entityID"))
	if err != nil {
		h.writeError(c, err, "get containment state")
		return
	}
	c.JSON(http.StatusOK, st)
}

type deescalateRequest struct {
	TargetLevel    string  `json:"target_level"`
	Initiator      string  `json:"initiator" binding:"required"`
	TrustScore     float64 `json:"trust_score"`
	ManualApproval bool    `json:"manual_approval"`
}

// Deescalate handles POST /containment/:entityID/deescalate.
func (h *ContainmentHandler) Deescalate(c *gin.Context) {
	var req deescalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.controller.Deescalate(c.Request.Context(),
		c.Param("entityID"),
		containment.Level(req.TargetLevel),
		req.Initiator,
		containment.DeescalationEvidence{
			TrustScore:     req.TrustScore,
			ManualApproval: req.ManualApproval,
		})
	if err != nil {
		if errors.Is(err, containment.ErrConditionsNotMet) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err, "deescalate")
		return
	}

	if res.Changed {
		RecordContainmentTransition(string(res.NewLevel))
		RecordLedgerAppend()
	}
	c.JSON(http.StatusOK, res)
}

func (h *ContainmentHandler) writeError(c *gin.Context, err error, op string) {
	var verr *trust.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, kvstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no containment state for entity"})
	case errors.Is(err, proofledger.ErrChainBroken):
		c.JSON(http.StatusConflict, gin.H{"error": "proof ledger chain is broken; appends are suspended"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
