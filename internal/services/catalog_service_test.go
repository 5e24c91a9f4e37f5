package services

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

func TestCreateProductStartsAsDraft(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	product, err := m.catalog.CreateProduct(ctx, m.seller, &CreateProductRequest{
		Title:       "  Monthly satellite tiles ",
		Description: "Fresh Sentinel tiles every month",
		Category:    "geo",
		Price:       19.999,
		ProductType: models.ProductTypeSubscription,
		Tags:        []string{"Geo", "geo", " tiles ", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProductStatusDraft, product.Status)
	assert.Equal(t, models.ContentStatusEmpty, product.ContentStatus)
	assert.Equal(t, "Monthly satellite tiles", product.Title)
	assert.Equal(t, 20.0, product.Price)
	assert.Equal(t, 30, product.SubscriptionDays)
	assert.Equal(t, models.StringSet{"geo", "tiles"}, product.Tags)

	_, err = m.catalog.CreateProduct(ctx, m.seller, &CreateProductRequest{
		Title:       "x",
		Description: "short",
		Category:    "geo",
		ProductType: "podcast",
	})
	var verrs validator.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}

func TestDraftsAreHiddenFromOthers(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	_, err := m.catalog.GetProduct(ctx, product.ID, nil)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))

	_, err = m.catalog.GetProduct(ctx, product.ID, &m.buyer)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))

	own, err := m.catalog.GetProduct(ctx, product.ID, &m.seller)
	require.NoError(t, err)
	assert.Equal(t, product.ID, own.ID)

	_, err = m.catalog.GetProduct(ctx, uuid.New(), &m.seller)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
}

func TestActivateRequiresContent(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	_, err := m.catalog.ActivateProduct(ctx, product.ID, m.buyer)
	assert.True(t, apperror.Is(err, apperror.CodeForbidden))

	_, err = m.catalog.ActivateProduct(ctx, product.ID, m.seller)
	assert.True(t, apperror.Is(err, apperror.CodeValidation))

	_, err = m.ingestion.Ingest(ctx, IngestRequest{ParentID: product.ID, File: csvFile("id\n1\n"), OwnerID: m.seller})
	require.NoError(t, err)

	active, err := m.catalog.ActivateProduct(ctx, product.ID, m.seller)
	require.NoError(t, err)
	assert.Equal(t, models.ProductStatusAvailable, active.Status)
	assert.Equal(t, models.ContentStatusReady, active.ContentStatus)

	visible, err := m.catalog.GetProduct(ctx, product.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, product.ID, visible.ID)

	archived, err := m.catalog.ArchiveProduct(ctx, product.ID, m.seller)
	require.NoError(t, err)
	assert.Equal(t, models.ProductStatusArchived, archived.Status)

	_, err = m.catalog.ActivateProduct(ctx, product.ID, m.seller)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidTransition))

	title := "New title"
	_, err = m.catalog.UpdateProduct(ctx, product.ID, m.seller, &UpdateProductRequest{Title: &title})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidTransition))
}

func TestEbookActivatesWithExternalFile(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	product, err := m.catalog.CreateProduct(ctx, m.seller, &CreateProductRequest{
		Title:       "Field guide",
		Description: "Birds of the northern provinces",
		Category:    "books",
		Price:       12,
		ProductType: models.ProductTypeEbook,
		FileURL:     "https://books.example.com/guide.epub",
	})
	require.NoError(t, err)

	active, err := m.catalog.ActivateProduct(ctx, product.ID, m.seller)
	require.NoError(t, err)
	assert.Equal(t, models.ProductStatusAvailable, active.Status)
}

func TestUpdateProduct(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := draftProduct(t, m, models.ProductTypeDataset)

	price := 75.5
	preview := true
	updated, err := m.catalog.UpdateProduct(ctx, product.ID, m.seller, &UpdateProductRequest{
		Price:          &price,
		PreviewAllowed: &preview,
		Tags:           []string{"Traffic"},
	})
	require.NoError(t, err)
	assert.Equal(t, 75.5, updated.Price)
	assert.True(t, updated.PreviewAllowed)
	assert.Equal(t, models.StringSet{"traffic"}, updated.Tags)
	assert.Equal(t, product.Title, updated.Title)

	_, err = m.catalog.UpdateProduct(ctx, product.ID, m.buyer, &UpdateProductRequest{Price: &price})
	assert.True(t, apperror.Is(err, apperror.CodeForbidden))
}

func TestDeleteProductBlockedBySales(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	sold := m.listedProduct(t, models.ProductTypeDataset, 10)
	buyWithCard(t, m, sold)

	err := m.catalog.DeleteProduct(ctx, sold.ID, m.seller)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidTransition))

	reloaded, err := m.catalog.FindProduct(ctx, sold.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloaded.SalesCount)

	unsold := draftProduct(t, m, models.ProductTypeDataset)
	_, err = m.ingestion.Ingest(ctx, IngestRequest{ParentID: unsold.ID, File: csvFile("id\n7\n"), OwnerID: m.seller})
	require.NoError(t, err)

	require.NoError(t, m.catalog.DeleteProduct(ctx, unsold.ID, m.seller))
	assert.Zero(t, m.store.count())

	_, err = m.catalog.FindProduct(ctx, unsold.ID)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
}

func TestSearchProducts(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()

	cheap := m.listedProduct(t, models.ProductTypeDataset, 5)
	pricey := m.listedProduct(t, models.ProductTypeModel, 500)
	require.NoError(t, m.db.Model(pricey).Updates(map[string]interface{}{
		"title": "Rice yield model",
		"tags":  models.StringSet{"agri", "ml"},
	}).Error)
	draftProduct(t, m, models.ProductTypeDataset)

	all, total, err := m.catalog.SearchProducts(ctx, ProductSearchParams{PaginationParams: paginationFor(1, 20)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	priceMin := 100.0
	expensive, _, err := m.catalog.SearchProducts(ctx, ProductSearchParams{PaginationParams: paginationFor(1, 20), PriceMin: &priceMin})
	require.NoError(t, err)
	require.Len(t, expensive, 1)
	assert.Equal(t, pricey.ID, expensive[0].ID)

	byType, _, err := m.catalog.SearchProducts(ctx, ProductSearchParams{PaginationParams: paginationFor(1, 20), ProductType: models.ProductTypeDataset})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, cheap.ID, byType[0].ID)

	byTag, _, err := m.catalog.SearchProducts(ctx, ProductSearchParams{PaginationParams: paginationFor(1, 20), Tag: "ML"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, pricey.ID, byTag[0].ID)

	params := paginationFor(1, 20)
	params.Search = "rice"
	bySearch, _, err := m.catalog.SearchProducts(ctx, ProductSearchParams{PaginationParams: params})
	require.NoError(t, err)
	require.Len(t, bySearch, 1)

	byPrice := paginationFor(1, 20)
	byPrice.Sort, byPrice.Order = "price", "asc"
	sorted, _, err := m.catalog.SearchProducts(ctx, ProductSearchParams{PaginationParams: byPrice})
	require.NoError(t, err)
	require.Len(t, sorted, 2)
	assert.Equal(t, cheap.ID, sorted[0].ID)

	// Columns outside the listing's sort keys fall back to newest first.
	byPrice.Sort = "owner_id; DROP TABLE products"
	fallback, _, err := m.catalog.SearchProducts(ctx, ProductSearchParams{PaginationParams: byPrice})
	require.NoError(t, err)
	assert.Len(t, fallback, 2)

	mine, sellerTotal, err := m.catalog.ListSellerProducts(ctx, m.seller, paginationFor(1, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(3), sellerTotal)
	assert.Len(t, mine, 3)
}
