// internal/services/notification_service.go
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/database"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

const defaultNotificationCap = 100

// NotificationService keeps a bounded in-app inbox per user.
type NotificationService struct {
	db         *gorm.DB
	perUserCap int
}

func NewNotificationService(db *gorm.DB, perUserCap int) *NotificationService {
	if perUserCap <= 0 {
		perUserCap = defaultNotificationCap
	}
	return &NotificationService{db: db, perUserCap: perUserCap}
}

// Emit stores a notification and evicts the user's oldest ones beyond the cap.
func (s *NotificationService) Emit(ctx context.Context, notification *models.Notification) error {
	if notification.UserID == uuid.Nil {
		return apperror.Validation("notification has no recipient")
	}

	return database.WithTransaction(s.db.WithContext(ctx), func(db *gorm.DB) error {
		if err := db.Create(notification).Error; err != nil {
			return fmt.Errorf("failed to create notification: %w", err)
		}

		var count int64
		if err := db.Model(&models.Notification{}).Where("user_id = ?", notification.UserID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count notifications: %w", err)
		}
		if count <= int64(s.perUserCap) {
			return nil
		}

		var evicted []uuid.UUID
		err := db.Model(&models.Notification{}).
			Where("user_id = ?", notification.UserID).
			Order("created_at ASC, id ASC").
			Limit(int(count)-s.perUserCap).
			Pluck("id", &evicted).Error
		if err != nil {
			return fmt.Errorf("failed to select evicted notifications: %w", err)
		}
		if err := db.Where("id IN ?", evicted).Delete(&models.Notification{}).Error; err != nil {
			return fmt.Errorf("failed to evict notifications: %w", err)
		}
		return nil
	})
}

// Fetch returns a page of the user's notifications, newest first, and marks
// that page read. The returned rows keep their previous read flag.
func (s *NotificationService) Fetch(ctx context.Context, userID uuid.UUID, params utils.PaginationParams) ([]models.Notification, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	var notifications []models.Notification
	err := utils.ApplyPagination(query.Order("created_at DESC, id DESC"), params).Find(&notifications).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch notifications: %w", err)
	}

	var unread []uuid.UUID
	for _, n := range notifications {
		if !n.Read {
			unread = append(unread, n.ID)
		}
	}
	if len(unread) > 0 {
		err := s.db.WithContext(ctx).Model(&models.Notification{}).
			Where("id IN ?", unread).
			Update("read", true).Error
		if err != nil {
			return nil, 0, fmt.Errorf("failed to mark notifications read: %w", err)
		}
	}

	return notifications, total, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}
