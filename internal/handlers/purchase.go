// internal/handlers/purchase.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/digimarket-backend/internal/i18n"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/services"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

type PurchaseHandler struct {
	ledger *services.LedgerService
}

func NewPurchaseHandler(ledger *services.LedgerService) *PurchaseHandler {
	return &PurchaseHandler{ledger: ledger}
}

type updateStatusRequest struct {
	Status models.TransactionStatus `json:"status" binding:"required,oneof=completed failed"`
}

type finalizeRequest struct {
	Outcome         models.TransactionStatus `json:"outcome" binding:"required,oneof=completed failed"`
	TransactionHash string                   `json:"transaction_hash,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
}

// POST /products/:id/purchase
func (h *PurchaseHandler) Purchase(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	buyerID, ok := requireUser(c)
	if !ok {
		return
	}
	productID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req services.InitiateRequest
	if !bindJSON(c, &req) {
		return
	}
	req.ProductID = productID

	tx, err := h.ledger.Initiate(c.Request.Context(), buyerID, &req)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	switch tx.Status {
	case models.TransactionStatusFailed:
		// The attempt is recorded; the buyer may retry with another card.
		utils.ErrorResponse(c, http.StatusPaymentRequired, apperror.CodeGatewayRejected,
			i18n.T(lang, i18n.KeyPurchaseFailed), gin.H{
				"transaction_id": tx.ID,
				"reason":         tx.FailureReason,
			})
	case models.TransactionStatusCompleted:
		utils.CreatedResponse(c, gin.H{
			"message":     i18n.T(lang, i18n.KeyPurchaseCompleted),
			"transaction": tx,
		})
	default:
		c.JSON(http.StatusAccepted, utils.APIResponse{
			Success: true,
			Data: gin.H{
				"message":     i18n.T(lang, i18n.KeyPurchasePending),
				"transaction": tx,
			},
		})
	}
}

// GET /transactions
func (h *PurchaseHandler) ListTransactions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	transactions, total, err := h.ledger.ListTransactions(c.Request.Context(), userID, params)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	result := utils.CreatePaginationResult(transactions, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /transactions/:id
func (h *PurchaseHandler) GetTransaction(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	txID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	tx, err := h.ledger.GetTransaction(c.Request.Context(), txID, userID)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"transaction": tx})
}

// PUT /transactions/:id/status
func (h *PurchaseHandler) UpdateStatus(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	txID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	tx, err := h.ledger.UpdateBySeller(c.Request.Context(), txID, req.Status, userID)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"transaction": tx})
}

// POST /transactions/:id/finalize
func (h *PurchaseHandler) Finalize(c *gin.Context) {
	txID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req finalizeRequest
	if !bindJSON(c, &req) {
		return
	}

	source := "reconciliation"
	if userType, ok := utils.GetUserTypeFromContext(c); ok {
		source = userType
	}

	tx, err := h.ledger.Finalize(c.Request.Context(), txID, req.Outcome, services.FinalizeProof{
		Source:          source,
		TransactionHash: req.TransactionHash,
		Reason:          req.Reason,
	})
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"transaction": tx})
}
