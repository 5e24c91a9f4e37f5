// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Record is BaseModel without soft delete, for rows whose unique
// constraints must not be held by deleted data.
type Record struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// JSONB stores a free-form object as JSON text
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported JSONB source %T", value)
	}
}

// StringSet is a list of strings persisted as a JSON array.
type StringSet []string

func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringSet) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*[]string)(s))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(s))
	default:
		return fmt.Errorf("unsupported StringSet source %T", value)
	}
}

// Enums
type UserRole string

const (
	UserRoleBuyer   UserRole = "buyer"
	UserRoleSeller  UserRole = "seller"
	UserRoleAdmin   UserRole = "admin"
	UserRoleService UserRole = "service"
)

type ProductType string

const (
	ProductTypeDataset      ProductType = "dataset"
	ProductTypeEbook        ProductType = "ebook"
	ProductTypeModel        ProductType = "model"
	ProductTypeSubscription ProductType = "subscription"
)

func (t ProductType) Valid() bool {
	switch t {
	case ProductTypeDataset, ProductTypeEbook, ProductTypeModel, ProductTypeSubscription:
		return true
	}
	return false
}

type ProductStatus string

const (
	ProductStatusDraft     ProductStatus = "draft"
	ProductStatusAvailable ProductStatus = "available"
	ProductStatusArchived  ProductStatus = "archived"
)

type ContentStatus string

const (
	ContentStatusEmpty      ContentStatus = "empty"
	ContentStatusProcessing ContentStatus = "processing"
	ContentStatusReady      ContentStatus = "ready"
)

type AssetKind string

const (
	AssetKindDataset AssetKind = "dataset"
	AssetKindEbook   AssetKind = "ebook"
	AssetKindModel   AssetKind = "model"
	AssetKindCover   AssetKind = "cover"
	AssetKindPreview AssetKind = "preview"
)

// Downloadable reports whether the kind is purchased content rather than
// marketing material.
func (k AssetKind) Downloadable() bool {
	switch k {
	case AssetKindDataset, AssetKindEbook, AssetKindModel:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "credit_card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodChain        PaymentMethod = "chain"
)

type NotificationType string

const (
	NotificationPurchaseCompleted NotificationType = "purchase_completed"
	NotificationPurchaseFailed    NotificationType = "purchase_failed"
	NotificationSaleMade          NotificationType = "sale_made"
)
