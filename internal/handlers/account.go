// internal/handlers/account.go
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/javajoker/digimarket-backend/internal/services"
	"github.com/javajoker/digimarket-backend/internal/utils"
)

type AccountHandler struct {
	accounts *services.AccountService
}

func NewAccountHandler(accounts *services.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// GET /payout-account
func (h *AccountHandler) GetPayoutAccount(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	account, err := h.accounts.GetPayoutAccount(c.Request.Context(), userID)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"payout_account": account})
}

// PUT /payout-account
func (h *AccountHandler) UpdatePayoutAccount(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req services.UpdatePayoutAccountRequest
	if !bindJSON(c, &req) {
		return
	}

	account, err := h.accounts.UpdatePayoutAccount(c.Request.Context(), userID, &req)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"payout_account": account})
}
