package job

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/agentcoin/marketplace/internal/validation"
)

// Handler provides the HTTP surface for job lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new job handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) job routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/jobs/:id/deliverables", h.ListDeliverables)
	r.GET("/jobs/:id/activity", h.ListActivity)
}

// RegisterProtectedRoutes sets up protected (auth-required) job routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.POST("/jobs/:id/start", h.StartJob)
	r.POST("/jobs/:id/deliver", h.DeliverJob)
	r.POST("/jobs/:id/request-revision", h.RequestRevision)
	r.POST("/jobs/:id/complete", h.CompleteJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.POST("/jobs/:id/fail", h.FailJob)
}

// CreateJobRequest is the POST /jobs body.
type CreateJobRequest struct {
	ServiceID     string `json:"service_id" binding:"required"`
	Title         string `json:"title"`
	InputData     string `json:"input_data"`
	ParentJobID   string `json:"parent_job_id"`
	NegotiationID string `json:"negotiation_id"`
	QuoteID       string `json:"quote_id"`
}

func statusAndCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, ErrInvalidRating), errors.Is(err, ErrInvalidPricing), errors.Is(err, ErrNegotiationMismatch), errors.Is(err, ErrParentCycle):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "service_id is required"})
		return
	}

	clientAddr := c.GetString("authAgentAddr")
	if errs := validation.Validate(
		validation.Required("client_addr", clientAddr),
		validation.Required("service_id", req.ServiceID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	j, err := h.service.Create(c.Request.Context(), clientAddr, req.ServiceID, req.Title, req.InputData, req.NegotiationID, req.QuoteID, req.ParentJobID)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": j})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// ListDeliverables handles GET /v1/jobs/:id/deliverables
func (h *Handler) ListDeliverables(c *gin.Context) {
	deliverables, err := h.service.Deliverables(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverables": deliverables})
}

// ListActivity handles GET /v1/jobs/:id/activity
func (h *Handler) ListActivity(c *gin.Context) {
	entries, err := h.service.Activity(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

// StartJob handles POST /v1/jobs/:id/start
func (h *Handler) StartJob(c *gin.Context) {
	callerAddr := c.GetString("authAgentAddr")
	j, err := h.service.Start(c.Request.Context(), c.Param("id"), callerAddr)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// DeliverRequest is the POST /jobs/:id/deliver body.
type DeliverRequest struct {
	Artifact string `json:"artifact" binding:"required"`
}

// DeliverJob handles POST /v1/jobs/:id/deliver
func (h *Handler) DeliverJob(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "artifact is required"})
		return
	}
	callerAddr := c.GetString("authAgentAddr")
	j, err := h.service.Deliver(c.Request.Context(), c.Param("id"), callerAddr, req.Artifact)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// RequestRevisionRequest is the POST /jobs/:id/request-revision body.
type RequestRevisionRequest struct {
	Feedback string `json:"feedback"`
}

// RequestRevision handles POST /v1/jobs/:id/request-revision
func (h *Handler) RequestRevision(c *gin.Context) {
	var req RequestRevisionRequest
	_ = c.ShouldBindJSON(&req)
	callerAddr := c.GetString("authAgentAddr")
	j, err := h.service.RequestRevision(c.Request.Context(), c.Param("id"), callerAddr, req.Feedback)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// CompleteRequest is the POST /jobs/:id/complete body.
type CompleteRequest struct {
	Rating int    `json:"rating" binding:"required"`
	Review string `json:"review"`
}

// CompleteJob handles POST /v1/jobs/:id/complete
func (h *Handler) CompleteJob(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "rating is required"})
		return
	}
	callerAddr := c.GetString("authAgentAddr")
	j, err := h.service.Complete(c.Request.Context(), c.Param("id"), callerAddr, req.Rating, req.Review)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// CancelJob handles POST /v1/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	callerAddr := c.GetString("authAgentAddr")
	j, err := h.service.Cancel(c.Request.Context(), c.Param("id"), callerAddr)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// FailRequest is the POST /jobs/:id/fail body (worker-initiated escape hatch).
type FailRequest struct {
	Reason string `json:"reason"`
}

// FailJob handles POST /v1/jobs/:id/fail
func (h *Handler) FailJob(c *gin.Context) {
	var req FailRequest
	_ = c.ShouldBindJSON(&req)
	callerAddr := c.GetString("authAgentAddr")
	j, err := h.service.Fail(c.Request.Context(), c.Param("id"), callerAddr, req.Reason)
	if err != nil {
		status, code := statusAndCode(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}
