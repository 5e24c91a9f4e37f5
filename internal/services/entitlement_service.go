// internal/services/entitlement_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/models"
)

type accessKey struct {
	userID    uuid.UUID
	productID uuid.UUID
}

type accessEntry struct {
	allowed   bool
	expiresAt time.Time
}

// EntitlementService decides who may download a product. Access is derived
// from completed transactions; nothing is granted separately.
type EntitlementService struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[accessKey]accessEntry
}

func NewEntitlementService(db *gorm.DB, ttl time.Duration) *EntitlementService {
	return &EntitlementService{
		db:    db,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[accessKey]accessEntry),
	}
}

// HasAccess reports whether userID owns productID or bought it. A missing
// product grants nothing.
func (s *EntitlementService) HasAccess(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, nil
	}

	key := accessKey{userID: userID, productID: productID}
	if allowed, ok := s.cached(key); ok {
		return allowed, nil
	}

	allowed, validUntil, err := s.lookup(ctx, userID, productID)
	if err != nil {
		return false, err
	}
	s.store(key, allowed, validUntil)
	return allowed, nil
}

// lookup returns the decision and, for subscriptions, when it stops holding.
func (s *EntitlementService) lookup(ctx context.Context, userID, productID uuid.UUID) (bool, *time.Time, error) {
	var product models.Product
	result := s.db.WithContext(ctx).Select("id", "owner_id", "product_type").
		Where("id = ?", productID).Limit(1).Find(&product)
	if result.Error != nil {
		return false, nil, fmt.Errorf("database error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil, nil
	}
	if product.OwnerID == userID {
		return true, nil, nil
	}

	now := s.now().UTC()
	var purchases []models.Transaction
	err := s.db.WithContext(ctx).Select("id", "expires_at").
		Where("buyer_id = ? AND product_id = ? AND status = ?", userID, productID, models.TransactionStatusCompleted).
		Find(&purchases).Error
	if err != nil {
		return false, nil, fmt.Errorf("database error: %w", err)
	}

	if !product.IsSubscription() {
		return len(purchases) > 0, nil, nil
	}

	var windowEnd *time.Time
	for i := range purchases {
		end := purchases[i].ExpiresAt
		if end != nil && end.After(now) && (windowEnd == nil || end.After(*windowEnd)) {
			windowEnd = end
		}
	}
	return windowEnd != nil, windowEnd, nil
}

// CanPreview allows excerpts for products that opt in, and anything the
// user already has full access to.
func (s *EntitlementService) CanPreview(ctx context.Context, userID uuid.UUID, product *models.Product) (bool, error) {
	if product.PreviewAllowed {
		return true, nil
	}
	return s.HasAccess(ctx, userID, product.ID)
}

func (s *EntitlementService) Invalidate(userID, productID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, accessKey{userID: userID, productID: productID})
}

func (s *EntitlementService) cached(key accessKey) (bool, bool) {
	if s.ttl <= 0 {
		return false, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[key]
	if !ok || s.now().After(e.expiresAt) {
		return false, false
	}
	return e.allowed, true
}

func (s *EntitlementService) store(key accessKey, allowed bool, validUntil *time.Time) {
	if s.ttl <= 0 {
		return
	}

	expiresAt := s.now().Add(s.ttl)
	if validUntil != nil && validUntil.Before(expiresAt) {
		expiresAt = *validUntil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = accessEntry{allowed: allowed, expiresAt: expiresAt}
}
