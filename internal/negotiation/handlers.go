package negotiation

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/validation"
)

// ServiceDescriptor is the narrow slice of registry.Service the negotiation
// handler needs to resolve a service's owner and price bounds when opening
// a negotiation, kept local so this package doesn't import internal/registry
// directly (teacher idiom: see job.LedgerService).
type ServiceDescriptor struct {
	ID               string
	AgentAddress     string
	MinPrice         amount.Amount
	MaxPrice         amount.Amount
	AllowNegotiation bool
}

// ServiceLookup resolves a service by ID.
type ServiceLookup interface {
	GetService(ctx context.Context, id string) (*ServiceDescriptor, error)
}

// Handler provides the HTTP surface for negotiation operations.
type Handler struct {
	service  *Service
	services ServiceLookup
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service, services ServiceLookup) *Handler {
	return &Handler{service: service, services: services}
}

// RegisterRoutes sets up public (read-only) negotiation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/negotiations/:id", h.GetNegotiation)
	r.GET("/negotiations/:id/offers", h.ListOffers)
}

// RegisterProtectedRoutes sets up protected (auth-required) negotiation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations/start", h.StartNegotiation)
	r.POST("/negotiations/:id/respond", h.Respond)
}

func statusAndCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotYourTurn):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrExpired), errors.Is(err, ErrMaxRoundsExceeded):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, ErrInvalidPrice):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// StartNegotiationRequest is the POST /negotiations/start body.
type StartNegotiationRequest struct {
	ServiceID string `json:"service_id" binding:"required"`
	Price     string `json:"price" binding:"required"`
}

// StartNegotiation handles POST /v1/negotiations/start
func (h *Handler) StartNegotiation(c *gin.Context) {
	var req StartNegotiationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "service_id and price are required"})
		return
	}
	if errs := validation.Validate(
		validation.Required("service_id", req.ServiceID),
		validation.ValidAmount("price", req.Price),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	proposerAddr := c.GetString("authAgentAddr")
	svc, err := h.services.GetService(c.Request.Context(), req.ServiceID)
	if err != nil || svc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "service not found"})
		return
	}
	if !svc.AllowNegotiation {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "service does not allow negotiation"})
		return
	}

	price, ok := amount.Parse(req.Price)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "price is not a valid amount"})
		return
	}

	n, err := h.service.StartNegotiation(c.Request.Context(), svc.ID, proposerAddr, svc.AgentAddress, proposerAddr, price, svc.MinPrice, svc.MaxPrice, nil)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"negotiation": n})
}

// GetNegotiation handles GET /v1/negotiations/:id
func (h *Handler) GetNegotiation(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// ListOffers handles GET /v1/negotiations/:id/offers
func (h *Handler) ListOffers(c *gin.Context) {
	offers, err := h.service.GetOffers(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

// RespondRequest is the POST /negotiations/:id/respond body.
type RespondRequest struct {
	Action       string  `json:"action" binding:"required"` // accept | reject | counter
	CounterPrice *string `json:"counter_price"`
}

// Respond handles POST /v1/negotiations/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "action is required"})
		return
	}

	var counter *amount.Amount
	if req.CounterPrice != nil {
		parsed, ok := amount.Parse(*req.CounterPrice)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "counter_price is not a valid amount"})
			return
		}
		counter = &parsed
	}

	responderAddr := c.GetString("authAgentAddr")
	n, err := h.service.Respond(c.Request.Context(), c.Param("id"), responderAddr, OfferAction(req.Action), counter)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}
