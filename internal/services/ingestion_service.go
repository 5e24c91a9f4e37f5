// internal/services/ingestion_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/database"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

type IngestionService struct {
	db    *gorm.DB
	store ObjectStore
	quota int64
	now   func() time.Time
}

type UploadedFile struct {
	Name     string
	MimeType string
	Size     int64
	Bytes    []byte
}

type IngestRequest struct {
	ParentID uuid.UUID
	Kind     models.AssetKind
	File     UploadedFile
	OwnerID  uuid.UUID
}

func NewIngestionService(db *gorm.DB, store ObjectStore, quota int64) *IngestionService {
	return &IngestionService{
		db:    db,
		store: store,
		quota: quota,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*models.Asset, error) {
	product, err := s.loadOwnedProduct(ctx, req.ParentID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = product.DefaultAssetKind()
	}
	rule, ok := ruleFor(kind)
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("unknown asset kind %q", kind))
	}
	if kind.Downloadable() && kind != product.DefaultAssetKind() {
		return nil, apperror.Validation(fmt.Sprintf("%s files cannot be attached to a %s product", kind, product.ProductType))
	}

	data := req.File.Bytes
	if len(data) == 0 {
		return nil, apperror.Validation("file is empty")
	}

	// Type
	fileType, allowed := resolveFileType(rule, req.File.MimeType, data)
	if !allowed {
		return nil, apperror.InvalidType(fileType)
	}

	// Size
	size := int64(len(data))
	if req.File.Size > size {
		size = req.File.Size
	}
	if size > rule.MaxSize {
		return nil, apperror.TooLarge(size, rule.MaxSize)
	}

	// Digest
	fileHash := utils.FileHash(data)

	// Dedup and quota against committed state
	if err := s.checkCapacity(s.db.WithContext(ctx), product.ID, kind, fileHash, size); err != nil {
		return nil, err
	}

	key := generateStorageKey(rule.Folder, fileType, req.File.Name, s.now())
	meta := map[string]string{
		MetaContentMD5: utils.ContentMD5(data),
		MetaSHA256:     fileHash,
		"parent-id":    product.ID.String(),
	}
	if err := s.store.Put(ctx, key, data, fileType, meta); err != nil {
		return nil, apperror.StorageUnavailable(err)
	}

	asset := &models.Asset{
		ParentID: product.ID,
		Kind:     kind,
		OwnerID:  req.OwnerID,
		Filename: req.File.Name,
		FileType: fileType,
		FileSize: size,
		FilePath: key,
		FileHash: fileHash,
		Metadata: datatypes.JSONMap{
			"declared_type": req.File.MimeType,
		},
	}

	var replacedCovers []models.Asset
	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		// The pre-upload checks ran without a lock; repeat them.
		if err := s.checkCapacity(tx, product.ID, kind, fileHash, size); err != nil {
			return err
		}

		if kind == models.AssetKindCover {
			if err := tx.Where("parent_id = ? AND kind = ?", product.ID, models.AssetKindCover).
				Find(&replacedCovers).Error; err != nil {
				return fmt.Errorf("failed to load current cover: %w", err)
			}
		}

		if err := tx.Create(asset).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return apperror.DuplicateContent("another upload")
			}
			return fmt.Errorf("failed to create asset: %w", err)
		}

		updates := map[string]interface{}{"updated_at": s.now()}
		switch {
		case kind == models.AssetKindCover:
			updates["cover_url"] = s.store.PublicURL(key)
		case kind.Downloadable():
			if product.ContentStatus == "" || product.ContentStatus == models.ContentStatusEmpty {
				updates["content_status"] = models.ContentStatusProcessing
			}
			if product.FileHash == "" {
				updates["file_hash"] = fileHash
			}
		}
		return tx.Model(&models.Product{}).Where("id = ?", product.ID).Updates(updates).Error
	})
	if err != nil {
		s.discardObject(key)
		return nil, err
	}

	for i := range replacedCovers {
		s.removeAsset(context.Background(), &replacedCovers[i])
	}

	logrus.WithFields(logrus.Fields{
		"asset_id":   asset.ID,
		"product_id": product.ID,
		"kind":       kind,
		"size":       size,
	}).Info("Asset ingested")

	return asset, nil
}

// checkCapacity enforces per-parent dedup and the storage quota. Covers
// replace each other and are not counted.
func (s *IngestionService) checkCapacity(db *gorm.DB, parentID uuid.UUID, kind models.AssetKind, fileHash string, size int64) error {
	var existing models.Asset
	err := db.Where("parent_id = ? AND file_hash = ?", parentID, fileHash).First(&existing).Error
	if err == nil {
		return apperror.DuplicateContent(existing.ID.String())
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("database error: %w", err)
	}

	if kind == models.AssetKindCover {
		return nil
	}

	used, err := s.usedBytes(db, parentID)
	if err != nil {
		return err
	}
	if used+size > s.quota {
		return apperror.QuotaExceeded(used+size, s.quota)
	}
	return nil
}

func (s *IngestionService) usedBytes(db *gorm.DB, parentID uuid.UUID) (int64, error) {
	var used int64
	err := db.Model(&models.Asset{}).
		Where("parent_id = ? AND kind <> ?", parentID, models.AssetKindCover).
		Select("COALESCE(SUM(file_size), 0)").
		Scan(&used).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute storage usage: %w", err)
	}
	return used, nil
}

func (s *IngestionService) loadOwnedProduct(ctx context.Context, productID, ownerID uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := s.db.WithContext(ctx).First(&product, "id = ?", productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("product")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	if product.OwnerID != ownerID {
		return nil, apperror.Forbidden("only the product owner can manage its files")
	}
	return &product, nil
}

// ProductHasAssets reports whether the product has downloadable content.
func (s *IngestionService) ProductHasAssets(ctx context.Context, productID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Asset{}).
		Where("parent_id = ? AND kind IN ?", productID,
			[]models.AssetKind{models.AssetKindDataset, models.AssetKindEbook, models.AssetKindModel}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	return count > 0, nil
}

func (s *IngestionService) ListAssets(ctx context.Context, productID uuid.UUID, kinds ...models.AssetKind) ([]models.Asset, error) {
	query := s.db.WithContext(ctx).Where("parent_id = ?", productID)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}

	var assets []models.Asset
	if err := query.Order("created_at ASC").Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return assets, nil
}

func (s *IngestionService) GetAsset(ctx context.Context, assetID uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	if err := s.db.WithContext(ctx).First(&asset, "id = ?", assetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("file")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &asset, nil
}

func (s *IngestionService) DeleteAsset(ctx context.Context, productID, assetID, ownerID uuid.UUID) error {
	asset, err := s.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if asset.ParentID != productID {
		return apperror.NotFound("file")
	}
	if asset.OwnerID != ownerID {
		return apperror.Forbidden("only the product owner can manage its files")
	}

	err = database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		// Touching the parent first serializes concurrent deletes of the
		// same product's files.
		if err := tx.Model(&models.Product{}).Where("id = ?", asset.ParentID).
			Update("updated_at", s.now()).Error; err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}

		if err := tx.Delete(&models.Asset{}, "id = ?", asset.ID).Error; err != nil {
			return fmt.Errorf("failed to delete asset: %w", err)
		}

		switch {
		case asset.Kind == models.AssetKindCover:
			if err := tx.Model(&models.Product{}).Where("id = ?", asset.ParentID).
				Update("cover_url", "").Error; err != nil {
				return fmt.Errorf("failed to clear cover: %w", err)
			}
		case asset.Kind.Downloadable():
			return s.afterContentRemoved(tx, asset)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.discardObject(asset.FilePath)
	return nil
}

// afterContentRemoved keeps the parent consistent with its remaining
// downloadable files. A product on sale must keep something to deliver.
func (s *IngestionService) afterContentRemoved(tx *gorm.DB, removed *models.Asset) error {
	var product models.Product
	if err := tx.First(&product, "id = ?", removed.ParentID).Error; err != nil {
		return fmt.Errorf("failed to load product: %w", err)
	}

	var next models.Asset
	result := tx.Where("parent_id = ? AND kind IN ?", product.ID,
		[]models.AssetKind{models.AssetKindDataset, models.AssetKindEbook, models.AssetKindModel}).
		Order("created_at ASC").Limit(1).Find(&next)
	if result.Error != nil {
		return fmt.Errorf("database error: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		if product.FileHash != removed.FileHash {
			return nil
		}
		return tx.Model(&models.Product{}).Where("id = ?", product.ID).
			Update("file_hash", next.FileHash).Error
	}

	if product.Status == models.ProductStatusAvailable &&
		!(product.ProductType == models.ProductTypeEbook && product.FileURL != "") {
		return apperror.InvalidTransition("archive the product before removing its last downloadable file")
	}

	return tx.Model(&models.Product{}).Where("id = ?", product.ID).
		Updates(map[string]interface{}{
			"content_status": models.ContentStatusEmpty,
			"file_hash":      "",
		}).Error
}

// DeleteAllForProduct removes every asset row of a product and its objects.
func (s *IngestionService) DeleteAllForProduct(ctx context.Context, productID uuid.UUID) error {
	assets, err := s.ListAssets(ctx, productID)
	if err != nil {
		return err
	}
	for i := range assets {
		s.removeAsset(ctx, &assets[i])
	}
	return nil
}

func (s *IngestionService) removeAsset(ctx context.Context, asset *models.Asset) {
	if err := s.db.WithContext(ctx).Delete(&models.Asset{}, "id = ?", asset.ID).Error; err != nil {
		logrus.WithError(err).WithField("asset_id", asset.ID).Warn("Failed to delete asset row")
		return
	}
	s.discardObject(asset.FilePath)
}

// discardObject deletes an object on a best-effort basis.
func (s *IngestionService) discardObject(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.Delete(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Failed to delete stored object")
	}
}
