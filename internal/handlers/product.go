// internal/handlers/product.go
package handlers

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/digimarket-backend/internal/i18n"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/services"
	"github.com/javajoker/digimarket-backend/internal/utils"
)

const defaultMaxUpload = 100 << 20

type ProductHandler struct {
	catalog       *services.CatalogService
	ingestion     *services.IngestionService
	delivery      *services.DeliveryService
	entitlements  *services.EntitlementService
	uploadTimeout time.Duration
	maxUpload     int64
}

func NewProductHandler(catalog *services.CatalogService, ingestion *services.IngestionService, delivery *services.DeliveryService, entitlements *services.EntitlementService, uploadTimeout time.Duration) *ProductHandler {
	if uploadTimeout <= 0 {
		uploadTimeout = 2 * time.Minute
	}
	return &ProductHandler{
		catalog:       catalog,
		ingestion:     ingestion,
		delivery:      delivery,
		entitlements:  entitlements,
		uploadTimeout: uploadTimeout,
		maxUpload:     defaultMaxUpload,
	}
}

// GET /products
func (h *ProductHandler) GetProducts(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	// Build search parameters
	searchParams := services.ProductSearchParams{
		PaginationParams: params,
		ProductType:      models.ProductType(c.Query("product_type")),
		Tag:              c.Query("tag"),
	}

	if priceMinStr := c.Query("price_min"); priceMinStr != "" {
		if priceMin, err := strconv.ParseFloat(priceMinStr, 64); err == nil {
			searchParams.PriceMin = &priceMin
		}
	}

	if priceMaxStr := c.Query("price_max"); priceMaxStr != "" {
		if priceMax, err := strconv.ParseFloat(priceMaxStr, 64); err == nil {
			searchParams.PriceMax = &priceMax
		}
	}

	products, total, err := h.catalog.SearchProducts(c.Request.Context(), searchParams)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	result := utils.CreatePaginationResult(products, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /products/mine
func (h *ProductHandler) GetMyProducts(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	products, total, err := h.catalog.ListSellerProducts(c.Request.Context(), userID, params)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	result := utils.CreatePaginationResult(products, total, params)
	utils.PaginatedResponse(c, result)
}

// POST /products
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req services.CreateProductRequest
	if !bindJSON(c, &req) {
		return
	}

	product, err := h.catalog.CreateProduct(c.Request.Context(), userID, &req)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyProductCreated),
		"product": product,
	})
}

// GET /products/:id
func (h *ProductHandler) GetProduct(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	product, err := h.catalog.GetProduct(c.Request.Context(), id, optionalUser(c))
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"product": product})
}

// PUT /products/:id
func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req services.UpdateProductRequest
	if !bindJSON(c, &req) {
		return
	}

	product, err := h.catalog.UpdateProduct(c.Request.Context(), id, userID, &req)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyProductUpdated),
		"product": product,
	})
}

// POST /products/:id/activate
func (h *ProductHandler) ActivateProduct(c *gin.Context) {
	h.transition(c, h.catalog.ActivateProduct, i18n.KeyProductActivated)
}

// POST /products/:id/archive
func (h *ProductHandler) ArchiveProduct(c *gin.Context) {
	h.transition(c, h.catalog.ArchiveProduct, i18n.KeyProductArchived)
}

func (h *ProductHandler) transition(c *gin.Context, fn func(context.Context, uuid.UUID, uuid.UUID) (*models.Product, error), messageKey string) {
	lang := utils.GetLangFromContext(c)
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	product, err := fn(c.Request.Context(), id, userID)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"message": i18n.T(lang, messageKey),
		"product": product,
	})
}

// DELETE /products/:id
func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.catalog.DeleteProduct(c.Request.Context(), id, userID); err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"message": i18n.T(lang, i18n.KeyProductDeleted)})
}

// POST /products/:id/files
func (h *ProductHandler) UploadFile(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyFileMissing), nil)
		return
	}

	f, err := header.Open()
	if err != nil {
		utils.BadRequestResponse(c, i18n.T(lang, i18n.KeyFileMissing), err.Error())
		return
	}
	defer f.Close()

	// Read one byte past the limit so oversized uploads still reach the
	// size check with their real size.
	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		utils.BadRequestResponse(c, fmt.Sprintf("failed to read upload: %v", err), nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.uploadTimeout)
	defer cancel()

	asset, err := h.ingestion.Ingest(ctx, services.IngestRequest{
		ParentID: id,
		Kind:     models.AssetKind(c.PostForm("kind")),
		OwnerID:  userID,
		File: services.UploadedFile{
			Name:     header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Size:     header.Size,
			Bytes:    data,
		},
	})
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.CreatedResponse(c, gin.H{
		"message": i18n.T(lang, i18n.KeyFileUploadSuccess),
		"file":    asset,
	})
}

// DELETE /products/:id/files/:fileId
func (h *ProductHandler) DeleteFile(c *gin.Context) {
	lang := utils.GetLangFromContext(c)
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	fileID, ok := uuidParam(c, "fileId")
	if !ok {
		return
	}

	if err := h.ingestion.DeleteAsset(c.Request.Context(), id, fileID, userID); err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{"message": i18n.T(lang, i18n.KeyFileDeleted)})
}

// GET /products/:id/files
func (h *ProductHandler) ListFiles(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	listing, err := h.delivery.ListFiles(c.Request.Context(), id, userID)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, listing)
}

// GET /products/:id/access
func (h *ProductHandler) GetAccess(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	viewer := optionalUser(c)

	product, err := h.catalog.GetProduct(c.Request.Context(), id, viewer)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	userID := uuid.Nil
	if viewer != nil {
		userID = *viewer
	}

	hasAccess, err := h.entitlements.HasAccess(c.Request.Context(), userID, id)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}
	canPreview, err := h.entitlements.CanPreview(c.Request.Context(), userID, product)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, gin.H{
		"has_access":  hasAccess,
		"can_preview": canPreview,
	})
}

// GET /products/:id/read
func (h *ProductHandler) Read(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	access, err := h.delivery.ReaderAccess(c.Request.Context(), id, userID)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, access)
}

// GET /files/:fileId/download
func (h *ProductHandler) Download(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	fileID, ok := uuidParam(c, "fileId")
	if !ok {
		return
	}

	link, err := h.delivery.DownloadURL(c.Request.Context(), fileID, userID)
	if err != nil {
		utils.ServiceErrorResponse(c, err)
		return
	}

	utils.SuccessResponse(c, link)
}
