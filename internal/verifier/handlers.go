package verifier

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/agentcoin/marketplace/internal/amount"
	"github.com/agentcoin/marketplace/internal/validation"
)

// Handler provides the HTTP surface for payment verification.
type Handler struct {
	verifier *Verifier
}

// NewHandler creates a new verifier handler.
func NewHandler(v *Verifier) *Handler {
	return &Handler{verifier: v}
}

// RegisterProtectedRoutes sets up protected (auth-required) payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/verify", h.VerifyPayment)
}

// VerifyRequest is the POST /payments/verify body. TransactionType
// defaults to top_up when omitted, matching the platform-wallet-deposit
// case most callers use; RecipientAgentID is required when
// TransactionType is p2p.
type VerifyRequest struct {
	TxHash           string `json:"tx_hash" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	TransactionType  string `json:"transaction_type"`
	RecipientAgentID string `json:"recipient_agent_id"`
	TokenAddress     string `json:"token_address"`
}

// VerifyPayment handles POST /v1/payments/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tx_hash and amount are required"})
		return
	}
	if req.TransactionType == "" {
		req.TransactionType = string(TypeTopUp)
	}
	if errs := validation.Validate(
		validation.Required("tx_hash", req.TxHash),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	txType := TransactionType(req.TransactionType)
	if txType != TypeTopUp && txType != TypeP2P && txType != TypeRefund {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "transaction_type must be top_up, p2p, or refund"})
		return
	}
	if txType == TypeP2P && req.RecipientAgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "recipient_agent_id is required for p2p transactions"})
		return
	}

	expected, ok := amount.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is not a valid AGNT amount"})
		return
	}

	agentAddr := c.GetString("authAgentAddr")
	payment, err := h.verifier.VerifyPayment(c.Request.Context(), agentAddr, req.TxHash, expected, txType, req.RecipientAgentID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": err.Error(), "payment": payment})
		case errors.Is(err, ErrTransactionPending):
			c.JSON(http.StatusAccepted, gin.H{"error": "transaction_pending", "message": err.Error(), "payment": payment})
		case errors.Is(err, ErrVerificationFailed), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidRecipient):
			c.JSON(http.StatusBadRequest, gin.H{"error": "verification_failed", "message": err.Error(), "payment": payment})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}
