// internal/services/catalog_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

// AssetInventory is what the catalog needs to know about uploaded content.
type AssetInventory interface {
	ProductHasAssets(ctx context.Context, productID uuid.UUID) (bool, error)
	DeleteAllForProduct(ctx context.Context, productID uuid.UUID) error
}

type CatalogService struct {
	db     *gorm.DB
	assets AssetInventory
}

type CreateProductRequest struct {
	Title            string             `json:"title" validate:"required,min=3,max=255"`
	Description      string             `json:"description" validate:"required,min=10"`
	Category         string             `json:"category" validate:"required,max=100"`
	Price            float64            `json:"price" validate:"min=0"`
	ProductType      models.ProductType `json:"product_type" validate:"required,oneof=dataset ebook model subscription"`
	FileURL          string             `json:"file_url,omitempty" validate:"omitempty,url"`
	Version          string             `json:"version,omitempty" validate:"max=50"`
	Tags             []string           `json:"tags,omitempty"`
	PreviewAllowed   bool               `json:"preview_allowed"`
	SubscriptionDays int                `json:"subscription_days,omitempty" validate:"min=0,max=3650"`
}

type UpdateProductRequest struct {
	Title            *string  `json:"title,omitempty" validate:"omitempty,min=3,max=255"`
	Description      *string  `json:"description,omitempty" validate:"omitempty,min=10"`
	Category         *string  `json:"category,omitempty" validate:"omitempty,max=100"`
	Price            *float64 `json:"price,omitempty" validate:"omitempty,min=0"`
	FileURL          *string  `json:"file_url,omitempty" validate:"omitempty,url"`
	Version          *string  `json:"version,omitempty" validate:"omitempty,max=50"`
	Tags             []string `json:"tags,omitempty"`
	PreviewAllowed   *bool    `json:"preview_allowed,omitempty"`
	SubscriptionDays *int     `json:"subscription_days,omitempty" validate:"omitempty,min=0,max=3650"`
}

type ProductSearchParams struct {
	utils.PaginationParams
	ProductType models.ProductType `json:"product_type,omitempty"`
	PriceMin    *float64           `json:"price_min,omitempty"`
	PriceMax    *float64           `json:"price_max,omitempty"`
	Tag         string             `json:"tag,omitempty"`
}

func NewCatalogService(db *gorm.DB, assets AssetInventory) *CatalogService {
	return &CatalogService{db: db, assets: assets}
}

func (s *CatalogService) CreateProduct(ctx context.Context, ownerID uuid.UUID, req *CreateProductRequest) (*models.Product, error) {
	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	product := &models.Product{
		OwnerID:          ownerID,
		Title:            strings.TrimSpace(req.Title),
		Description:      req.Description,
		Category:         req.Category,
		Price:            roundCents(req.Price),
		ProductType:      req.ProductType,
		Status:           models.ProductStatusDraft,
		ContentStatus:    models.ContentStatusEmpty,
		FileURL:          req.FileURL,
		Version:          req.Version,
		Tags:             normalizeTags(req.Tags),
		PreviewAllowed:   req.PreviewAllowed,
		SubscriptionDays: req.SubscriptionDays,
	}
	if product.IsSubscription() && product.SubscriptionDays == 0 {
		product.SubscriptionDays = defaultSubscriptionDays
	}

	if err := s.db.WithContext(ctx).Create(product).Error; err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"product_id": product.ID,
		"owner_id":   ownerID,
		"type":       product.ProductType,
	}).Info("Product created")

	return product, nil
}

// GetProduct returns a product. Drafts and archived products exist only
// for their owner.
func (s *CatalogService) GetProduct(ctx context.Context, id uuid.UUID, viewerID *uuid.UUID) (*models.Product, error) {
	product, err := s.FindProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	if product.Status != models.ProductStatusAvailable {
		if viewerID == nil || *viewerID != product.OwnerID {
			return nil, apperror.NotFound("product")
		}
	}

	return product, nil
}

// FindProduct loads a product regardless of status.
func (s *CatalogService) FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := s.db.WithContext(ctx).First(&product, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("product")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &product, nil
}

func (s *CatalogService) loadOwned(ctx context.Context, id, ownerID uuid.UUID) (*models.Product, error) {
	product, err := s.FindProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.OwnerID != ownerID {
		return nil, apperror.Forbidden("only the product owner can change this product")
	}
	return product, nil
}

func (s *CatalogService) UpdateProduct(ctx context.Context, id, ownerID uuid.UUID, req *UpdateProductRequest) (*models.Product, error) {
	// Validate request
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	product, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if product.Status == models.ProductStatusArchived {
		return nil, apperror.InvalidTransition("archived products cannot be edited")
	}

	// Prepare updates
	updates := make(map[string]interface{})
	if req.Title != nil {
		updates["title"] = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Category != nil {
		updates["category"] = *req.Category
	}
	if req.Price != nil {
		updates["price"] = roundCents(*req.Price)
	}
	if req.FileURL != nil {
		updates["file_url"] = *req.FileURL
	}
	if req.Version != nil {
		updates["version"] = *req.Version
	}
	if req.Tags != nil {
		updates["tags"] = normalizeTags(req.Tags)
	}
	if req.PreviewAllowed != nil {
		updates["preview_allowed"] = *req.PreviewAllowed
	}
	if req.SubscriptionDays != nil {
		updates["subscription_days"] = *req.SubscriptionDays
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(product).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update product: %w", err)
		}
	}

	return s.FindProduct(ctx, id)
}

// ActivateProduct lists a draft for sale once it has content to deliver.
func (s *CatalogService) ActivateProduct(ctx context.Context, id, ownerID uuid.UUID) (*models.Product, error) {
	product, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if product.Status == models.ProductStatusAvailable {
		return product, nil
	}
	if product.Status != models.ProductStatusDraft {
		return nil, apperror.InvalidTransition(fmt.Sprintf("cannot activate a %s product", product.Status))
	}

	hasAssets, err := s.assets.ProductHasAssets(ctx, id)
	if err != nil {
		return nil, err
	}
	if !hasAssets && !(product.ProductType == models.ProductTypeEbook && product.FileURL != "") {
		return nil, apperror.Validation("upload at least one file before activating the product")
	}

	result := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND status = ?", id, models.ProductStatusDraft).
		Updates(map[string]interface{}{
			"status":         models.ProductStatusAvailable,
			"content_status": models.ContentStatusReady,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to activate product: %w", result.Error)
	}

	logrus.WithField("product_id", id).Info("Product activated")
	return s.FindProduct(ctx, id)
}

func (s *CatalogService) ArchiveProduct(ctx context.Context, id, ownerID uuid.UUID) (*models.Product, error) {
	product, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if product.Status == models.ProductStatusArchived {
		return product, nil
	}

	if err := s.db.WithContext(ctx).Model(product).Update("status", models.ProductStatusArchived).Error; err != nil {
		return nil, fmt.Errorf("failed to archive product: %w", err)
	}
	return s.FindProduct(ctx, id)
}

func (s *CatalogService) DeleteProduct(ctx context.Context, id, ownerID uuid.UUID) error {
	product, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}

	// Check if product has been sold
	var salesCount int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("product_id = ? AND status IN ?", id,
			[]models.TransactionStatus{models.TransactionStatusCompleted, models.TransactionStatusPending}).
		Count(&salesCount).Error; err != nil {
		return fmt.Errorf("failed to check sales: %w", err)
	}
	if salesCount > 0 {
		return apperror.InvalidTransition("products with sales cannot be deleted; archive it instead")
	}

	if err := s.assets.DeleteAllForProduct(ctx, id); err != nil {
		return err
	}

	// Soft delete
	if err := s.db.WithContext(ctx).Delete(product).Error; err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	return nil
}

// RecordSale bumps the denormalized sales counter.
func (s *CatalogService) RecordSale(ctx context.Context, productID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&models.Product{}).Where("id = ?", productID).
		UpdateColumn("sales_count", gorm.Expr("sales_count + ?", 1)).Error
}

func (s *CatalogService) SearchProducts(ctx context.Context, params ProductSearchParams) ([]models.Product, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("status = ?", models.ProductStatusAvailable)

	// Apply filters
	if params.Category != "" {
		query = query.Where("category = ?", params.Category)
	}
	if params.ProductType != "" {
		query = query.Where("product_type = ?", params.ProductType)
	}
	if params.Search != "" {
		searchTerm := "%" + strings.ToLower(params.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", searchTerm, searchTerm)
	}
	if params.PriceMin != nil {
		query = query.Where("price >= ?", *params.PriceMin)
	}
	if params.PriceMax != nil {
		query = query.Where("price <= ?", *params.PriceMax)
	}
	if params.Tag != "" {
		query = query.Where("tags LIKE ?", `%"`+strings.ToLower(params.Tag)+`"%`)
	}

	// Get total count
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	query = utils.ApplySort(query, params.PaginationParams, productSort)
	query = utils.ApplyPagination(query, params.PaginationParams)

	var products []models.Product
	if err := query.Find(&products).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch products: %w", err)
	}

	return products, total, nil
}

var (
	productSort = utils.SortFields{
		Default: "newest",
		Columns: map[string]string{
			"newest":      "created_at",
			"created_at":  "created_at",
			"updated_at":  "updated_at",
			"title":       "title",
			"price":       "price",
			"popular":     "sales_count",
			"sales_count": "sales_count",
		},
	}
	sellerProductSort = utils.SortFields{
		Default: "newest",
		Columns: map[string]string{
			"newest":      "created_at",
			"created_at":  "created_at",
			"updated_at":  "updated_at",
			"title":       "title",
			"status":      "status",
			"sales_count": "sales_count",
		},
	}
)

func (s *CatalogService) ListSellerProducts(ctx context.Context, ownerID uuid.UUID, params utils.PaginationParams) ([]models.Product, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Product{}).Where("owner_id = ?", ownerID)

	// Apply search if provided
	if params.Search != "" {
		searchTerm := "%" + strings.ToLower(params.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", searchTerm, searchTerm)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count seller products: %w", err)
	}

	query = utils.ApplySort(query, params, sellerProductSort)
	query = utils.ApplyPagination(query, params)

	var products []models.Product
	if err := query.Find(&products).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch seller products: %w", err)
	}

	return products, total, nil
}

func normalizeTags(tags []string) models.StringSet {
	seen := make(map[string]struct{}, len(tags))
	out := make(models.StringSet, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
