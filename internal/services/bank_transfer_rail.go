// internal/services/bank_transfer_rail.go
package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

// PayoutDirectory resolves where a seller receives money.
type PayoutDirectory interface {
	GetPayoutAccount(ctx context.Context, userID uuid.UUID) (*models.PayoutAccount, error)
}

// BankTransferRail issues a PromptPay QR code for the seller's account.
// Confirmation arrives later through the seller or reconciliation.
type BankTransferRail struct {
	accounts PayoutDirectory
	ttl      time.Duration
	qrSize   int
	now      func() time.Time
}

func NewBankTransferRail(accounts PayoutDirectory, cfg config.BankTransferConfig) *BankTransferRail {
	ttl := cfg.QRTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	size := cfg.QRSize
	if size <= 0 {
		size = 256
	}
	return &BankTransferRail{accounts: accounts, ttl: ttl, qrSize: size, now: time.Now}
}

func (r *BankTransferRail) Method() models.PaymentMethod {
	return models.PaymentMethodBankTransfer
}

func (r *BankTransferRail) Validate(ctx context.Context, product *models.Product, creds PaymentCredentials) error {
	_, err := r.receivingAccount(ctx, product.OwnerID)
	return err
}

func (r *BankTransferRail) receivingAccount(ctx context.Context, sellerID uuid.UUID) (string, error) {
	account, err := r.accounts.GetPayoutAccount(ctx, sellerID)
	if err != nil {
		if apperror.Is(err, apperror.CodeNotFound) {
			return "", apperror.Validation("seller has not set up a PromptPay account")
		}
		return "", err
	}
	if account.PromptPayID == "" {
		return "", apperror.Validation("seller has not set up a PromptPay account")
	}
	return account.PromptPayID, nil
}

func (r *BankTransferRail) Start(ctx context.Context, tx *models.Transaction, creds PaymentCredentials) (*RailResult, error) {
	account, err := r.receivingAccount(ctx, tx.SellerID)
	if err != nil {
		return nil, err
	}

	payload, err := BuildPromptPayPayload(account, tx.TotalAmount, promptPayReference(tx.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to build promptpay payload: %w", err)
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, r.qrSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render qr code: %w", err)
	}

	return &RailResult{
		Reference: models.BankTransferReference{
			QRCode:           payload,
			QRImage:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
			ReceivingAccount: account,
			ExpiresAt:        r.now().UTC().Add(r.ttl),
		},
	}, nil
}
