// internal/services/delivery_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

type DownloadLink struct {
	AssetID   uuid.UUID `json:"asset_id"`
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

const (
	ReaderModeFull    = "full"
	ReaderModePreview = "preview"
)

type ReaderAccess struct {
	Mode  string         `json:"mode"`
	Files []DownloadLink `json:"files"`
}

type FileListing struct {
	Access string         `json:"access"`
	Files  []models.Asset `json:"files"`
}

// DeliveryService hands out content according to the entitlement gate.
type DeliveryService struct {
	db           *gorm.DB
	store        ObjectStore
	entitlements *EntitlementService
	ingestion    *IngestionService
	linkTTL      time.Duration
	now          func() time.Time
}

func NewDeliveryService(db *gorm.DB, store ObjectStore, entitlements *EntitlementService, ingestion *IngestionService, linkTTL time.Duration) *DeliveryService {
	if linkTTL <= 0 {
		linkTTL = 15 * time.Minute
	}
	return &DeliveryService{
		db:           db,
		store:        store,
		entitlements: entitlements,
		ingestion:    ingestion,
		linkTTL:      linkTTL,
		now:          time.Now,
	}
}

func (s *DeliveryService) loadProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := s.db.WithContext(ctx).First(&product, "id = ?", productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("product")
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &product, nil
}

// ListFiles shows everything to entitled users, previews and the cover
// when previews are allowed, and the cover alone otherwise.
func (s *DeliveryService) ListFiles(ctx context.Context, productID, userID uuid.UUID) (*FileListing, error) {
	product, err := s.loadProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	entitled, err := s.entitlements.HasAccess(ctx, userID, productID)
	if err != nil {
		return nil, err
	}

	var (
		access string
		kinds  []models.AssetKind
	)
	switch {
	case entitled:
		access = ReaderModeFull
	case product.PreviewAllowed:
		access = ReaderModePreview
		kinds = []models.AssetKind{models.AssetKindPreview, models.AssetKindCover}
	default:
		access = "public"
		kinds = []models.AssetKind{models.AssetKindCover}
	}

	assets, err := s.ingestion.ListAssets(ctx, productID, kinds...)
	if err != nil {
		return nil, err
	}
	return &FileListing{Access: access, Files: assets}, nil
}

// DownloadURL issues a short-lived link for one asset.
func (s *DeliveryService) DownloadURL(ctx context.Context, assetID, userID uuid.UUID) (*DownloadLink, error) {
	asset, err := s.ingestion.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	product, err := s.loadProduct(ctx, asset.ParentID)
	if err != nil {
		return nil, err
	}

	switch {
	case asset.Kind.Downloadable():
		ok, err := s.entitlements.HasAccess(ctx, userID, product.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Forbidden("purchase this product to download its files")
		}
	case asset.Kind == models.AssetKindPreview:
		ok, err := s.entitlements.CanPreview(ctx, userID, product)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Forbidden("previews are not available for this product")
		}
	case asset.Kind == models.AssetKindCover:
		return &DownloadLink{
			AssetID:  asset.ID,
			Filename: asset.Filename,
			URL:      s.store.PublicURL(asset.FilePath),
		}, nil
	}

	return s.link(ctx, asset)
}

func (s *DeliveryService) link(ctx context.Context, asset *models.Asset) (*DownloadLink, error) {
	url, err := s.store.PresignGet(ctx, asset.FilePath, s.linkTTL)
	if err != nil {
		return nil, apperror.StorageUnavailable(err)
	}
	return &DownloadLink{
		AssetID:   asset.ID,
		Filename:  asset.Filename,
		URL:       url,
		ExpiresAt: s.now().UTC().Add(s.linkTTL),
	}, nil
}

// ReaderAccess opens an ebook in the reader: the full book for entitled
// users, the excerpt when previews are allowed.
func (s *DeliveryService) ReaderAccess(ctx context.Context, productID, userID uuid.UUID) (*ReaderAccess, error) {
	product, err := s.loadProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.ProductType != models.ProductTypeEbook {
		return nil, apperror.Validation("only ebooks can be opened in the reader")
	}

	entitled, err := s.entitlements.HasAccess(ctx, userID, productID)
	if err != nil {
		return nil, err
	}

	access := &ReaderAccess{Mode: ReaderModeFull}
	kind := models.AssetKindEbook
	if !entitled {
		if !product.PreviewAllowed {
			return nil, apperror.Forbidden("purchase this ebook to read it")
		}
		access.Mode = ReaderModePreview
		kind = models.AssetKindPreview
	}

	assets, err := s.ingestion.ListAssets(ctx, productID, kind)
	if err != nil {
		return nil, err
	}
	for i := range assets {
		link, err := s.link(ctx, &assets[i])
		if err != nil {
			return nil, err
		}
		access.Files = append(access.Files, *link)
	}

	if access.Mode == ReaderModeFull && len(access.Files) == 0 && product.FileURL != "" {
		access.Files = append(access.Files, DownloadLink{Filename: product.Title, URL: product.FileURL})
	}
	return access, nil
}
