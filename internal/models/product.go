// internal/models/product.go
package models

import (
	"github.com/google/uuid"
)

type Product struct {
	BaseModel
	OwnerID          uuid.UUID     `json:"owner_id" gorm:"type:uuid;not null;index"`
	Title            string        `json:"title" gorm:"size:255;not null"`
	Description      string        `json:"description" gorm:"type:text"`
	Category         string        `json:"category" gorm:"size:100;index"`
	Price            float64       `json:"price" gorm:"type:decimal(12,2);not null"`
	ProductType      ProductType   `json:"product_type" gorm:"type:varchar(20);not null;index"`
	Status           ProductStatus `json:"status" gorm:"type:varchar(20);default:'draft';index"`
	ContentStatus    ContentStatus `json:"content_status" gorm:"type:varchar(20);default:'empty'"`
	FileHash         string        `json:"file_hash,omitempty" gorm:"size:64"`
	FileURL          string        `json:"file_url,omitempty" gorm:"size:1024"`
	CoverURL         string        `json:"cover_url,omitempty" gorm:"size:1024"`
	Version          string        `json:"version,omitempty" gorm:"size:50"`
	Tags             StringSet     `json:"tags" gorm:"type:text"`
	PreviewAllowed   bool          `json:"preview_allowed" gorm:"default:false"`
	SubscriptionDays int           `json:"subscription_days,omitempty" gorm:"default:0"`
	SalesCount       int64         `json:"sales_count" gorm:"default:0"`

	// Relationships
	Assets []Asset `json:"assets,omitempty" gorm:"foreignKey:ParentID"`
}

func (p *Product) IsSubscription() bool {
	return p.ProductType == ProductTypeSubscription
}

// DefaultAssetKind is the kind an upload receives when the caller does not
// name one.
func (p *Product) DefaultAssetKind() AssetKind {
	switch p.ProductType {
	case ProductTypeEbook:
		return AssetKindEbook
	case ProductTypeModel:
		return AssetKindModel
	default:
		return AssetKindDataset
	}
}

// PayoutAccount holds the identifiers a seller receives money on.
type PayoutAccount struct {
	Record
	UserID        uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex"`
	PromptPayID   string    `json:"promptpay_id,omitempty" gorm:"column:promptpay_id;size:20"`
	WalletAddress string    `json:"wallet_address,omitempty" gorm:"size:42"`
}
