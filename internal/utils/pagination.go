// internal/utils/pagination.go
package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type PaginationParams struct {
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
	Sort     string `json:"sort"`
	Order    string `json:"order"`
	Search   string `json:"search"`
	Category string `json:"category"`
}

// Offset is the number of rows before the requested page.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.Limit
}

func (p PaginationParams) Descending() bool {
	return p.Order != "asc"
}

type PaginationResult struct {
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	Total      int64       `json:"total"`
	TotalPages int         `json:"total_pages"`
	Data       interface{} `json:"data"`
}

// SortFields maps the sort keys a listing accepts to its columns. Unknown
// keys fall back to Default.
type SortFields struct {
	Default string
	Columns map[string]string
}

// Column resolves a requested key to the column to order by.
func (f SortFields) Column(key string) string {
	if column, ok := f.Columns[key]; ok {
		return column
	}
	return f.Columns[f.Default]
}

func GetPaginationParams(c *gin.Context) PaginationParams {
	params := PaginationParams{
		Page:     queryInt(c, "page", 1),
		Limit:    queryInt(c, "limit", defaultPageSize),
		Sort:     c.Query("sort"),
		Order:    c.DefaultQuery("order", "desc"),
		Search:   c.Query("search"),
		Category: c.Query("category"),
	}

	if params.Page < 1 {
		params.Page = 1
	}
	if params.Limit < 1 || params.Limit > maxPageSize {
		params.Limit = defaultPageSize
	}
	if params.Order != "asc" {
		params.Order = "desc"
	}
	return params
}

func queryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return n
}

func ApplyPagination(db *gorm.DB, params PaginationParams) *gorm.DB {
	return db.Offset(params.Offset()).Limit(params.Limit)
}

// ApplySort orders by the resolved column, then by id so that pages stay
// stable across equal values.
func ApplySort(db *gorm.DB, params PaginationParams, fields SortFields) *gorm.DB {
	desc := params.Descending()
	columns := []clause.OrderByColumn{{Column: clause.Column{Name: fields.Column(params.Sort)}, Desc: desc}}
	if fields.Column(params.Sort) != "id" {
		columns = append(columns, clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: desc})
	}
	return db.Order(clause.OrderBy{Columns: columns})
}

func CreatePaginationResult(data interface{}, total int64, params PaginationParams) PaginationResult {
	totalPages := 0
	if params.Limit > 0 {
		totalPages = int((total + int64(params.Limit) - 1) / int64(params.Limit))
	}

	return PaginationResult{
		Page:       params.Page,
		Limit:      params.Limit,
		Total:      total,
		TotalPages: totalPages,
		Data:       data,
	}
}

func SetPaginationHeaders(c *gin.Context, result PaginationResult) {
	c.Header("X-Total-Count", strconv.FormatInt(result.Total, 10))
	c.Header("X-Page", strconv.Itoa(result.Page))
	c.Header("X-Per-Page", strconv.Itoa(result.Limit))
	c.Header("X-Total-Pages", strconv.Itoa(result.TotalPages))
}
