// internal/models/asset.go
package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Asset struct {
	Record
	ParentID uuid.UUID         `json:"parent_id" gorm:"type:uuid;not null;uniqueIndex:idx_assets_parent_hash,priority:1"`
	Kind     AssetKind         `json:"kind" gorm:"type:varchar(20);not null;index"`
	OwnerID  uuid.UUID         `json:"owner_id" gorm:"type:uuid;not null;index"`
	Filename string            `json:"filename" gorm:"size:255;not null"`
	FileType string            `json:"file_type" gorm:"size:127;not null"`
	FileSize int64             `json:"file_size" gorm:"not null"`
	FilePath string            `json:"-" gorm:"size:512;not null"`
	FileHash string            `json:"file_hash" gorm:"size:64;not null;uniqueIndex:idx_assets_parent_hash,priority:2"`
	Metadata datatypes.JSONMap `json:"metadata,omitempty"`
}
