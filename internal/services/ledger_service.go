// internal/services/ledger_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/digimarket-backend/internal/database"
	"github.com/javajoker/digimarket-backend/internal/i18n"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

const defaultSubscriptionDays = 30

// ProductCatalog is the part of the catalog the ledger depends on.
type ProductCatalog interface {
	FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error)
	RecordSale(ctx context.Context, productID uuid.UUID) error
}

type Notifier interface {
	Emit(ctx context.Context, notification *models.Notification) error
}

// AccessInvalidator drops cached entitlement decisions.
type AccessInvalidator interface {
	Invalidate(userID, productID uuid.UUID)
}

type InitiateRequest struct {
	ProductID     uuid.UUID            `json:"-"`
	PaymentMethod models.PaymentMethod `json:"payment_method" binding:"required"`
	PaymentCredentials
}

// FinalizeProof records who decided the outcome and on what evidence.
type FinalizeProof struct {
	Source          string `json:"source"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// LedgerService owns the purchase state machine. Transactions move from
// pending to completed or failed exactly once.
type LedgerService struct {
	db       *gorm.DB
	catalog  ProductCatalog
	rails    *RailRegistry
	fees     FeeSchedule
	notifier Notifier
	access   AccessInvalidator
	currency string
	now      func() time.Time
}

func NewLedgerService(db *gorm.DB, catalog ProductCatalog, rails *RailRegistry, fees FeeSchedule, notifier Notifier, access AccessInvalidator, currency string) *LedgerService {
	if fees == nil {
		fees = NoFees{}
	}
	return &LedgerService{
		db:       db,
		catalog:  catalog,
		rails:    rails,
		fees:     fees,
		notifier: notifier,
		access:   access,
		currency: strings.ToUpper(currency),
		now:      time.Now,
	}
}

func (s *LedgerService) Initiate(ctx context.Context, buyerID uuid.UUID, req *InitiateRequest) (*models.Transaction, error) {
	product, err := s.catalog.FindProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product.OwnerID == buyerID {
		return nil, apperror.Forbidden("sellers cannot purchase their own products")
	}
	if product.Status != models.ProductStatusAvailable {
		return nil, apperror.Validation("product is not available for purchase")
	}

	rail, err := s.rails.Get(req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	if err := rail.Validate(ctx, product, req.PaymentCredentials); err != nil {
		return nil, err
	}

	activeKey := models.ActiveKeyFor(buyerID, product.ID)
	if err := s.ensureSlotFree(ctx, activeKey); err != nil {
		return nil, err
	}

	buyerFee, sellerFee := s.fees.Fees(product)
	tx := &models.Transaction{
		BuyerID:       buyerID,
		SellerID:      product.OwnerID,
		ProductID:     product.ID,
		Amount:        product.Price,
		BuyerFee:      buyerFee,
		SellerFee:     sellerFee,
		TotalAmount:   roundCents(product.Price + buyerFee + sellerFee),
		Currency:      s.currency,
		Status:        models.TransactionStatusPending,
		PaymentMethod: rail.Method(),
		ActiveKey:     &activeKey,
	}

	// The unique active_key index is what serializes concurrent purchases
	// of the same product by the same buyer.
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(tx).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperror.AlreadyOwned("a purchase of this product is already pending or completed")
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"product_id":     product.ID,
		"buyer_id":       buyerID,
		"method":         tx.PaymentMethod,
		"total":          tx.TotalAmount,
	}).Info("Purchase initiated")

	tx.Product = product
	result, err := rail.Start(ctx, tx, req.PaymentCredentials)
	if err != nil {
		if _, ferr := s.Finalize(ctx, tx.ID, models.TransactionStatusFailed, FinalizeProof{Source: "rail", Reason: err.Error()}); ferr != nil {
			logrus.WithError(ferr).WithField("transaction_id", tx.ID).Error("Failed to fail transaction after rail error")
		}
		return nil, err
	}

	if err := s.applyRailResult(ctx, tx, result, "rail"); err != nil {
		return nil, err
	}

	return s.loadTransaction(ctx, tx.ID)
}

// ensureSlotFree rejects a purchase while another one holds the buyer's
// slot for the product. An abandoned bank transfer QR releases it first.
func (s *LedgerService) ensureSlotFree(ctx context.Context, activeKey string) error {
	var holder models.Transaction
	result := s.db.WithContext(ctx).Where("active_key = ?", activeKey).Limit(1).Find(&holder)
	if result.Error != nil {
		return fmt.Errorf("database error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	expired, err := s.ExpireStaleTransfer(ctx, &holder)
	if err != nil {
		return err
	}
	if expired {
		return nil
	}
	return apperror.AlreadyOwned("a purchase of this product is already pending or completed")
}

// ExpireStaleTransfer fails a pending bank transfer whose QR code has
// expired. It reports whether the transaction was failed by this call.
func (s *LedgerService) ExpireStaleTransfer(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.Status != models.TransactionStatusPending || tx.PaymentMethod != models.PaymentMethodBankTransfer {
		return false, nil
	}

	decoded, err := tx.DecodeReference()
	if err != nil {
		if errors.Is(err, models.ErrNoReference) {
			return false, nil
		}
		return false, err
	}
	ref, ok := decoded.(models.BankTransferReference)
	if !ok || !ref.Expired(s.now()) {
		return false, nil
	}

	_, err = s.Finalize(ctx, tx.ID, models.TransactionStatusFailed, FinalizeProof{Source: "expiry", Reason: "payment QR code expired"})
	if err != nil {
		if apperror.Is(err, apperror.CodeInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// applyRailResult stores what the rail reported and finalizes when it
// reported an outcome.
func (s *LedgerService) applyRailResult(ctx context.Context, tx *models.Transaction, result *RailResult, source string) error {
	if result == nil {
		return nil
	}

	updates := map[string]interface{}{}
	if result.Reference != nil {
		if err := tx.SetReference(result.Reference); err != nil {
			return err
		}
		updates["reference"] = tx.Reference
	}
	if result.TransactionHash != "" {
		updates["transaction_hash"] = result.TransactionHash
	}

	if len(updates) > 0 {
		updates["updated_at"] = s.now().UTC()
		err := s.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("id = ? AND status = ?", tx.ID, models.TransactionStatusPending).
			Updates(updates).Error
		if err != nil {
			return fmt.Errorf("failed to store payment reference: %w", err)
		}
	}

	if !result.Outcome.Terminal() {
		return nil
	}

	_, err := s.Finalize(ctx, tx.ID, result.Outcome, FinalizeProof{
		Source:          source,
		TransactionHash: result.TransactionHash,
		Reason:          result.Reason,
	})
	return err
}

// Finalize moves a pending transaction to a terminal status. Repeating the
// same outcome is a no-op; a conflicting outcome is rejected.
func (s *LedgerService) Finalize(ctx context.Context, txID uuid.UUID, outcome models.TransactionStatus, proof FinalizeProof) (*models.Transaction, error) {
	if !outcome.Terminal() {
		return nil, apperror.Validation("outcome must be completed or failed")
	}

	now := s.now().UTC()
	var (
		tx      models.Transaction
		product models.Product
		changed bool
	)

	err := database.WithTransaction(s.db.WithContext(ctx), func(db *gorm.DB) error {
		if err := db.First(&tx, "id = ?", txID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.NotFound("transaction")
			}
			return fmt.Errorf("database error: %w", err)
		}
		if tx.Status != models.TransactionStatusPending {
			return nil
		}

		if err := db.Unscoped().Where("id = ?", tx.ProductID).Limit(1).Find(&product).Error; err != nil {
			return fmt.Errorf("failed to load product: %w", err)
		}

		updates := map[string]interface{}{
			"status":       outcome,
			"finalized_at": now,
			"updated_at":   now,
		}
		if proof.TransactionHash != "" {
			updates["transaction_hash"] = proof.TransactionHash
		}

		switch outcome {
		case models.TransactionStatusFailed:
			updates["active_key"] = nil
			updates["failure_reason"] = proof.Reason
		case models.TransactionStatusCompleted:
			if product.IsSubscription() {
				windowEnd, err := s.extendWindow(db, &tx, &product, now)
				if err != nil {
					return err
				}
				updates["active_key"] = nil
				updates["expires_at"] = windowEnd
			}
		}

		result := db.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txID, models.TransactionStatusPending).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to finalize transaction: %w", result.Error)
		}
		changed = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	current, err := s.loadTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	if !changed {
		if current.Status == outcome {
			return current, nil
		}
		logrus.WithFields(logrus.Fields{
			"transaction_id": txID,
			"status":         current.Status,
			"requested":      outcome,
			"source":         proof.Source,
		}).Warn("Rejected conflicting transaction finalization")
		return nil, apperror.InvalidTransition(fmt.Sprintf("transaction is already %s", current.Status))
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": txID,
		"status":         outcome,
		"source":         proof.Source,
	}).Info("Transaction finalized")

	if s.access != nil {
		s.access.Invalidate(current.BuyerID, current.ProductID)
	}
	s.afterFinalize(ctx, current, &product)

	return current, nil
}

// extendWindow stacks a renewal on top of any access window still running.
func (s *LedgerService) extendWindow(db *gorm.DB, tx *models.Transaction, product *models.Product, now time.Time) (time.Time, error) {
	var latest models.Transaction
	err := db.Where("buyer_id = ? AND product_id = ? AND status = ? AND expires_at IS NOT NULL",
		tx.BuyerID, tx.ProductID, models.TransactionStatusCompleted).
		Order("expires_at DESC").Limit(1).Find(&latest).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load subscription window: %w", err)
	}

	start := now
	if latest.ExpiresAt != nil && latest.ExpiresAt.After(now) {
		start = latest.ExpiresAt.UTC()
	}

	days := product.SubscriptionDays
	if days <= 0 {
		days = defaultSubscriptionDays
	}
	return start.AddDate(0, 0, days), nil
}

// afterFinalize runs the side channels of a transition. Their failures are
// logged and never undo the transition.
func (s *LedgerService) afterFinalize(ctx context.Context, tx *models.Transaction, product *models.Product) {
	lang := i18n.DefaultLang()
	data := models.JSONB{
		"transaction_id": tx.ID.String(),
		"product_id":     tx.ProductID.String(),
	}

	var notifications []*models.Notification
	switch tx.Status {
	case models.TransactionStatusCompleted:
		if err := s.catalog.RecordSale(ctx, tx.ProductID); err != nil {
			logrus.WithError(err).WithField("product_id", tx.ProductID).Error("Failed to record sale")
		}
		notifications = append(notifications,
			&models.Notification{
				UserID:  tx.BuyerID,
				Type:    models.NotificationPurchaseCompleted,
				Title:   i18n.T(lang, i18n.KeyNotifyPurchaseTitle),
				Message: i18n.T(lang, i18n.KeyNotifyPurchaseMessage, product.Title),
				Data:    data,
			},
			&models.Notification{
				UserID:  tx.SellerID,
				Type:    models.NotificationSaleMade,
				Title:   i18n.T(lang, i18n.KeyNotifySaleTitle),
				Message: i18n.T(lang, i18n.KeyNotifySaleMessage, product.Title),
				Data:    data,
			},
		)
	case models.TransactionStatusFailed:
		notifications = append(notifications, &models.Notification{
			UserID:  tx.BuyerID,
			Type:    models.NotificationPurchaseFailed,
			Title:   i18n.T(lang, i18n.KeyNotifyFailedTitle),
			Message: i18n.T(lang, i18n.KeyNotifyFailedMessage, product.Title),
			Data:    data,
		})
	}

	if s.notifier == nil {
		return
	}
	for _, n := range notifications {
		if err := s.notifier.Emit(ctx, n); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"transaction_id": tx.ID,
				"user_id":        n.UserID,
			}).Error("Failed to emit notification")
		}
	}
}

// UpdateBySeller is the manual confirmation path for bank transfers.
func (s *LedgerService) UpdateBySeller(ctx context.Context, txID uuid.UUID, newStatus models.TransactionStatus, actingUserID uuid.UUID) (*models.Transaction, error) {
	tx, err := s.loadTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != actingUserID {
		return nil, apperror.Forbidden("only the seller can update this transaction")
	}
	if tx.PaymentMethod != models.PaymentMethodBankTransfer {
		return nil, apperror.InvalidTransition("only bank transfers can be confirmed by the seller")
	}
	if tx.Status != models.TransactionStatusPending {
		logrus.WithFields(logrus.Fields{
			"transaction_id": txID,
			"status":         tx.Status,
			"requested":      newStatus,
		}).Warn("Seller attempted to update a finalized transaction")
		return nil, apperror.InvalidTransition(fmt.Sprintf("transaction is already %s", tx.Status))
	}
	if !newStatus.Terminal() {
		return nil, apperror.Validation("status must be completed or failed")
	}

	reason := ""
	if newStatus == models.TransactionStatusFailed {
		reason = "rejected by seller"
	}
	return s.Finalize(ctx, txID, newStatus, FinalizeProof{Source: "seller", Reason: reason})
}

// Reconcile asks the transaction's rail for news and applies it. Rails
// without polling leave the transaction untouched.
func (s *LedgerService) Reconcile(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if tx.Status.Terminal() {
		return tx, nil
	}

	rail, err := s.rails.Get(tx.PaymentMethod)
	if err != nil {
		return nil, err
	}
	poller, ok := rail.(RailPoller)
	if !ok {
		return tx, nil
	}

	result, err := poller.Poll(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := s.applyRailResult(ctx, tx, result, "poll"); err != nil {
		return nil, err
	}
	return s.loadTransaction(ctx, tx.ID)
}

// GetTransaction returns a transaction to its buyer or seller. Anyone else
// is told it does not exist.
func (s *LedgerService) GetTransaction(ctx context.Context, txID, principalID uuid.UUID) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.WithContext(ctx).Preload("Product").
		Where("id = ? AND (buyer_id = ? OR seller_id = ?)", txID, principalID, principalID).
		First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("transaction")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &tx, nil
}

var transactionSort = utils.SortFields{
	Default: "created_at",
	Columns: map[string]string{
		"created_at":   "created_at",
		"finalized_at": "finalized_at",
		"total_amount": "total_amount",
		"status":       "status",
	},
}

func (s *LedgerService) ListTransactions(ctx context.Context, userID uuid.UUID, params utils.PaginationParams) ([]models.Transaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("buyer_id = ? OR seller_id = ?", userID, userID)

	// Get total count
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query = utils.ApplySort(query, params, transactionSort)
	query = utils.ApplyPagination(query, params)

	var transactions []models.Transaction
	if err := query.Preload("Product").Find(&transactions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch transactions: %w", err)
	}

	return transactions, total, nil
}

// PendingTransactions lists pending transactions of one method created
// before cutoff. A zero cutoff lists all of them.
func (s *LedgerService) PendingTransactions(ctx context.Context, method models.PaymentMethod, cutoff time.Time) ([]models.Transaction, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND payment_method = ?", models.TransactionStatusPending, method)
	if !cutoff.IsZero() {
		query = query.Where("created_at < ?", cutoff.UTC())
	}

	var transactions []models.Transaction
	if err := query.Order("created_at ASC").Find(&transactions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pending transactions: %w", err)
	}
	return transactions, nil
}

func (s *LedgerService) loadTransaction(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).First(&tx, "id = ?", txID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("transaction")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &tx, nil
}
