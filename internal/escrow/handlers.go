package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swapnest/escrowd/internal/validation"
)

// actorFromContext reads the actor placed in gin context by the auth
// middleware.
func actorFromContext(c *gin.Context) (Actor, bool) {
	v, exists := c.Get("authActor")
	if !exists {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/history", h.GetHistory)
	r.GET("/parties/:partyId/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow
// routes. arbiterGuard middleware, when given, runs ahead of the
// resolve handler so non-arbiter tokens are rejected at the edge.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, arbiterGuard ...gin.HandlerFunc) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/pay", h.InitiatePayment)
	r.POST("/escrows/:id/verify-payment", h.VerifyPayment)
	r.POST("/escrows/:id/acknowledge", h.Acknowledge)
	r.POST("/escrows/:id/complete", h.Complete)
	r.POST("/escrows/:id/confirm", h.Confirm)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.POST("/escrows/:id/resolve", append(arbiterGuard, h.Resolve)...)
	r.POST("/escrows/:id/cancel", h.Cancel)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated party must be the buyer
	actor, _ := actorFromContext(c)
	if actor.ID != req.BuyerID || actor.Role != RoleBuyer {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "wrong_actor",
			"message": "Authenticated party must be the buyer",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.Header("ETag", strconv.FormatInt(e.Version, 10))
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.Header("ETag", strconv.FormatInt(e.Version, 10))
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetHistory handles GET /v1/escrows/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	transitions, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

// ListEscrows handles GET /v1/parties/:partyId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	partyID := c.Param("partyId")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), partyID, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// InitiatePayment handles POST /v1/escrows/:id/pay
func (h *Handler) InitiatePayment(c *gin.Context) {
	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		return h.service.InitiatePayment(c.Request.Context(), id, version, actor)
	})
}

// VerifyPayment handles POST /v1/escrows/:id/verify-payment
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req struct {
		Reference string `json:"reference" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reference is required",
		})
		return
	}

	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		return h.service.VerifyPayment(c.Request.Context(), id, version, actor, req.Reference)
	})
}

// Acknowledge handles POST /v1/escrows/:id/acknowledge
func (h *Handler) Acknowledge(c *gin.Context) {
	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		return h.service.Acknowledge(c.Request.Context(), id, version, actor)
	})
}

// Complete handles POST /v1/escrows/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	// Body is optional here
	_ = c.ShouldBindJSON(&req)

	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		return h.service.Complete(c.Request.Context(), id, version, actor, req.Note)
	})
}

// Confirm handles POST /v1/escrows/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		e, err := h.service.Confirm(c.Request.Context(), id, version, actor)
		if err != nil {
			return nil, err
		}
		// Confirmation authorizes the payout; attempt it in the same
		// request. A gateway failure leaves the escrow authorized and
		// the scheduler retries.
		released, err := h.service.Release(c.Request.Context(), e.ID, e.Version, actor)
		if err != nil {
			return e, nil
		}
		return released, nil
	})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		return h.service.Dispute(c.Request.Context(), id, version, actor, req.Reason)
	})
}

// Resolve handles POST /v1/escrows/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (to_seller or to_buyer)",
		})
		return
	}
	outcome := Outcome(req.Outcome)
	if outcome != OutcomeToSeller && outcome != OutcomeToBuyer {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "validation_error",
			"message": "outcome must be to_seller or to_buyer",
		})
		return
	}

	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		return h.service.Resolve(c.Request.Context(), id, version, actor, outcome)
	})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.transition(c, func(id string, version int64, actor Actor) (*Escrow, error) {
		return h.service.Cancel(c.Request.Context(), id, version, actor)
	})
}

// transition runs a state transition with the authenticated actor and
// the If-Match precondition, then renders the result.
func (h *Handler) transition(c *gin.Context, fn func(id string, version int64, actor Actor) (*Escrow, error)) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Party token required",
		})
		return
	}

	version, ok := parseIfMatch(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "If-Match must be an integer version",
		})
		return
	}

	e, err := fn(c.Param("id"), version, actor)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.Header("ETag", strconv.FormatInt(e.Version, 10))
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// parseIfMatch reads the If-Match header. Absent means no precondition
// (version 0, current state).
func parseIfMatch(c *gin.Context) (int64, bool) {
	raw := c.GetHeader("If-Match")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// renderError maps engine sentinel errors onto HTTP status codes.
func (h *Handler) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrSameParty):
		status = http.StatusUnprocessableEntity
		code = "validation_error"
	case errors.Is(err, ErrWrongActor):
		status = http.StatusForbidden
		code = "wrong_actor"
	case errors.Is(err, ErrStateConflict):
		status = http.StatusConflict
		code = "version_conflict"
	case errors.Is(err, ErrTerminalState):
		status = http.StatusConflict
		code = "terminal_state"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrChargeRefMismatch):
		status = http.StatusConflict
		code = "charge_ref_mismatch"
	case errors.Is(err, ErrPaymentNotConfirmed):
		status = http.StatusPaymentRequired
		code = "payment_not_confirmed"
	case errors.Is(err, ErrGatewayUnavailable):
		status = http.StatusBadGateway
		code = "gateway_unavailable"
	case errors.Is(err, ErrGatewayAmbiguous):
		status = http.StatusGatewayTimeout
		code = "gateway_ambiguous"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
