package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func csvFile(body string) UploadedFile {
	return UploadedFile{Name: "rows.csv", MimeType: "text/csv; charset=utf-8", Size: int64(len(body)), Bytes: []byte(body)}
}

func draftProduct(t *testing.T, m *market, productType models.ProductType) *models.Product {
	t.Helper()
	product, err := m.catalog.CreateProduct(context.Background(), m.seller, &CreateProductRequest{
		Title:       "Bangkok traffic counts",
		Description: "Hourly vehicle counts from 40 junctions",
		Category:    "transport",
		Price:       120,
		ProductType: productType,
	})
	require.NoError(t, err)
	return product
}

func TestIngestStoresAssetAndRejectsDuplicates(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	asset, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("a,b\n1,2\n"), OwnerID: m.seller})
	require.NoError(t, err)
	assert.Equal(t, models.AssetKindDataset, asset.Kind)
	assert.Equal(t, "text/csv", asset.FileType)
	assert.Len(t, asset.FileHash, 64)
	assert.True(t, strings.HasPrefix(asset.FilePath, "datasets/"))
	assert.True(t, strings.HasSuffix(asset.FilePath, ".csv"))
	assert.NotContains(t, asset.FilePath, "rows")

	stored := m.store.meta[asset.FilePath]
	assert.Equal(t, asset.FileHash, stored[MetaSHA256])
	assert.Equal(t, utils.ContentMD5([]byte("a,b\n1,2\n")), stored[MetaContentMD5])
	assert.True(t, utils.ValidateFileHash(m.store.objects[asset.FilePath], asset.FileHash))

	reloaded, err := m.catalog.FindProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusProcessing, reloaded.ContentStatus)
	assert.Equal(t, asset.FileHash, reloaded.FileHash)

	_, err = m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("a,b\n1,2\n"), OwnerID: m.seller})
	assert.True(t, apperror.Is(err, apperror.CodeDuplicateContent))
	assert.Equal(t, 1, m.store.count())

	var rows int64
	require.NoError(t, m.db.Model(&models.Asset{}).Where("parent_id = ?", product.ID).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestIngestOwnershipAndKind(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	_, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: uuid.New(), File: csvFile("x"), OwnerID: m.seller})
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))

	_, err = m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("x"), OwnerID: m.buyer})
	assert.True(t, apperror.Is(err, apperror.CodeForbidden))

	_, err = m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, Kind: models.AssetKindEbook, File: csvFile("x"), OwnerID: m.seller})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	_, err = m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: UploadedFile{Name: "empty.csv", MimeType: "text/csv"}, OwnerID: m.seller})
	assert.True(t, apperror.Is(err, apperror.CodeValidation))
}

func TestIngestRejectsTypeAndSize(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	ebook := draftProduct(t, m, models.ProductTypeEbook)

	_, err := m.ingestion.Ingest(ctx, IngestRequest{
		ParentID: ebook.ID,
		File:     UploadedFile{Name: "setup.exe", MimeType: "application/x-msdownload", Size: 4, Bytes: []byte("MZ\x90\x00")},
		OwnerID:  m.seller,
	})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidType))

	// A cover must really be an image, whatever the client claims.
	_, err = m.ingestion.Ingest(ctx, IngestRequest{
		ParentID: ebook.ID,
		Kind:     models.AssetKindCover,
		File:     UploadedFile{Name: "cover.png", MimeType: "image/png", Size: 11, Bytes: []byte("hello world")},
		OwnerID:  m.seller,
	})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidType))

	_, err = m.ingestion.Ingest(ctx, IngestRequest{
		ParentID: ebook.ID,
		Kind:     models.AssetKindCover,
		File:     UploadedFile{Name: "cover.png", MimeType: "image/png", Size: 6 * megabyte, Bytes: pngHeader},
		OwnerID:  m.seller,
	})
	assert.True(t, apperror.Is(err, apperror.CodeTooLarge))
	assert.Zero(t, m.store.puts)
}

func TestIngestEnforcesQuota(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	m.ingestion.quota = 12
	product := draftProduct(t, m, models.ProductTypeDataset)

	_, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("a,b\n1,2\n"), OwnerID: m.seller})
	require.NoError(t, err)

	_, err = m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("c,d\n3,4\n"), OwnerID: m.seller})
	assert.True(t, apperror.Is(err, apperror.CodeQuotaExceeded))
	assert.Equal(t, 1, m.store.count())
}

func TestIngestStorageUnavailableAfterRetries(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	m.store.failPuts = 10
	m.ingestion.store = NewRetryingStore(m.store, 3, time.Millisecond)
	product := draftProduct(t, m, models.ProductTypeDataset)

	_, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("a\n1\n"), OwnerID: m.seller})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeStorageUnavailable))
	assert.Contains(t, err.Error(), "store offline")
	assert.Equal(t, 3, m.store.puts)

	has, err := m.ingestion.ProductHasAssets(ctx, product.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCoverUploadReplacesPreviousCover(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	upload := func(suffix string) *models.Asset {
		body := append(append([]byte(nil), pngHeader...), suffix...)
		asset, err := m.ingestion.Ingest(ctx, IngestRequest{
			ParentID: product.ID,
			Kind:     models.AssetKindCover,
			File:     UploadedFile{Name: "cover.png", Bytes: body, Size: int64(len(body))},
			OwnerID:  m.seller,
		})
		require.NoError(t, err)
		assert.Equal(t, "image/png", asset.FileType)
		return asset
	}

	first := upload("one")
	second := upload("two")

	covers, err := m.ingestion.ListAssets(ctx, product.ID, models.AssetKindCover)
	require.NoError(t, err)
	require.Len(t, covers, 1)
	assert.Equal(t, second.ID, covers[0].ID)
	assert.Contains(t, m.store.deleted, first.FilePath)

	reloaded, err := m.catalog.FindProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, m.store.PublicURL(second.FilePath), reloaded.CoverURL)
	assert.Equal(t, models.ContentStatusEmpty, reloaded.ContentStatus)

	has, err := m.ingestion.ProductHasAssets(ctx, product.ID)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, m.ingestion.DeleteAsset(ctx, product.ID, second.ID, m.seller))
	reloaded, err = m.catalog.FindProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.CoverURL)
}

func TestDeleteAsset(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	asset, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("a\n1\n"), OwnerID: m.seller})
	require.NoError(t, err)

	err = m.ingestion.DeleteAsset(ctx, product.ID, asset.ID, m.buyer)
	assert.True(t, apperror.Is(err, apperror.CodeForbidden))

	require.NoError(t, m.ingestion.DeleteAsset(ctx, product.ID, asset.ID, m.seller))
	assert.Zero(t, m.store.count())

	_, err = m.ingestion.GetAsset(ctx, asset.ID)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))

	reloaded, err := m.catalog.FindProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusEmpty, reloaded.ContentStatus)
	assert.Empty(t, reloaded.FileHash)
}

func TestLastDownloadableFileStaysWhileOnSale(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	first, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("a\n1\n"), OwnerID: m.seller})
	require.NoError(t, err)
	_, err = m.catalog.ActivateProduct(ctx, product.ID, m.seller)
	require.NoError(t, err)

	err = m.ingestion.DeleteAsset(ctx, product.ID, first.ID, m.seller)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidTransition))
	assert.Equal(t, 1, m.store.count())
	has, err := m.ingestion.ProductHasAssets(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, has)

	// With a second file the first one can go; the product points at the
	// file that is left.
	second, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("b\n2\n"), OwnerID: m.seller})
	require.NoError(t, err)
	require.NoError(t, m.ingestion.DeleteAsset(ctx, product.ID, first.ID, m.seller))

	reloaded, err := m.catalog.FindProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProductStatusAvailable, reloaded.Status)
	assert.Equal(t, second.FileHash, reloaded.FileHash)

	err = m.ingestion.DeleteAsset(ctx, product.ID, second.ID, m.seller)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidTransition))

	buyWithCard(t, m, reloaded)
	link, err := m.delivery.DownloadURL(ctx, second.ID, m.buyer)
	require.NoError(t, err)
	assert.Equal(t, second.ID, link.AssetID)

	// Off sale, the last file may be removed.
	_, err = m.catalog.ArchiveProduct(ctx, product.ID, m.seller)
	require.NoError(t, err)
	require.NoError(t, m.ingestion.DeleteAsset(ctx, product.ID, second.ID, m.seller))

	reloaded, err = m.catalog.FindProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusEmpty, reloaded.ContentStatus)
	assert.Empty(t, reloaded.FileHash)
	assert.Zero(t, m.store.count())
}

func TestEbookWithExternalLinkMayDropItsFile(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeEbook)
	require.NoError(t, m.db.Model(product).Update("file_url", "https://books.test/isan.pdf").Error)

	asset := ingest(t, m, product, "", pdfFile("isan.pdf", "chapter one"))
	_, err := m.catalog.ActivateProduct(ctx, product.ID, m.seller)
	require.NoError(t, err)

	require.NoError(t, m.ingestion.DeleteAsset(ctx, product.ID, asset.ID, m.seller))
	reloaded, err := m.catalog.FindProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProductStatusAvailable, reloaded.Status)
}

func TestStorageKeyIgnoresClientName(t *testing.T) {
	now := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	key := generateStorageKey("ebooks", "application/pdf", "../../etc/passwd.pdf", now)
	assert.True(t, strings.HasPrefix(key, "ebooks/20240309/"))
	assert.True(t, strings.HasSuffix(key, ".pdf"))
	assert.NotContains(t, key, "passwd")

	assert.Equal(t, ".weird", sanitizeExtension(".We!rd"))
	assert.Equal(t, "", sanitizeExtension(""))
	assert.Equal(t, ".abcdefghij", sanitizeExtension(".abcdefghijklmnop"))
}

// racingStore lets another upload of the same file commit while this one
// is still writing its object.
type racingStore struct {
	*memStore
	onPut func()
}

func (r *racingStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	if err := r.memStore.Put(ctx, key, body, contentType, metadata); err != nil {
		return err
	}
	if r.onPut != nil {
		r.onPut()
		r.onPut = nil
	}
	return nil
}

func competingAsset(product *models.Product, owner uuid.UUID, body string) *models.Asset {
	return &models.Asset{
		ParentID: product.ID,
		Kind:     models.AssetKindDataset,
		OwnerID:  owner,
		Filename: "rows.csv",
		FileType: "text/csv",
		FileSize: int64(len(body)),
		FilePath: "datasets/competing/rows.csv",
		FileHash: utils.FileHash([]byte(body)),
	}
}

func countAssetsWithHash(t *testing.T, db *gorm.DB, parentID uuid.UUID, hash string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Asset{}).Where("parent_id = ? AND file_hash = ?", parentID, hash).Count(&n).Error)
	return n
}

func TestConcurrentDuplicateCaughtAfterUpload(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)
	body := "station,count\nsilom,41\n"

	m.ingestion.store = &racingStore{memStore: m.store, onPut: func() {
		require.NoError(t, m.db.Create(competingAsset(product, m.seller, body)).Error)
	}}

	_, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile(body), OwnerID: m.seller})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.CodeDuplicateContent))

	assert.EqualValues(t, 1, countAssetsWithHash(t, m.db, product.ID, utils.FileHash([]byte(body))))
	require.Len(t, m.store.deleted, 1)
	assert.Zero(t, m.store.count())
}

func TestDuplicateCaughtByUniqueIndex(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)
	body := "station,count\nasok,17\n"

	// Slip a row with the same digest in between the recheck and the
	// insert, inside the upload's own transaction.
	fired := false
	require.NoError(t, m.db.Callback().Create().Before("gorm:create").Register("test:competing_asset", func(db *gorm.DB) {
		if fired || db.Statement.Schema == nil || db.Statement.Schema.Table != "assets" {
			return
		}
		fired = true
		if err := db.Session(&gorm.Session{NewDB: true}).Create(competingAsset(product, m.seller, body)).Error; err != nil {
			db.AddError(err)
		}
	}))

	_, err := m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile(body), OwnerID: m.seller})
	require.Error(t, err)
	assert.True(t, fired)
	assert.True(t, apperror.Is(err, apperror.CodeDuplicateContent))

	// The whole transaction rolled back, the competing row with it.
	assert.Zero(t, countAssetsWithHash(t, m.db, product.ID, utils.FileHash([]byte(body))))
	require.Len(t, m.store.deleted, 1)
	assert.Zero(t, m.store.count())
}
