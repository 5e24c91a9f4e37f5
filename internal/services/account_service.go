// internal/services/account_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

// AccountService stores the receiving identifiers sellers get paid on.
type AccountService struct {
	db *gorm.DB
}

type UpdatePayoutAccountRequest struct {
	PromptPayID   string `json:"promptpay_id,omitempty" validate:"omitempty,promptpay_id"`
	WalletAddress string `json:"wallet_address,omitempty" validate:"omitempty,eth_addr"`
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{db: db}
}

func (s *AccountService) GetPayoutAccount(ctx context.Context, userID uuid.UUID) (*models.PayoutAccount, error) {
	var account models.PayoutAccount
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("payout account")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &account, nil
}

func (s *AccountService) UpdatePayoutAccount(ctx context.Context, userID uuid.UUID, req *UpdatePayoutAccountRequest) (*models.PayoutAccount, error) {
	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	account := &models.PayoutAccount{
		UserID:        userID,
		PromptPayID:   utils.DigitsOnly(req.PromptPayID),
		WalletAddress: req.WalletAddress,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"promptpay_id", "wallet_address", "updated_at"}),
	}).Create(account).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save payout account: %w", err)
	}

	return s.GetPayoutAccount(ctx, userID)
}
