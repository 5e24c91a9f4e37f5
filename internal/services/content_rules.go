// internal/services/content_rules.go
package services

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/javajoker/digimarket-backend/internal/models"
)

const megabyte = 1024 * 1024

type contentRule struct {
	Folder       string
	MaxSize      int64
	AllowedTypes []string
	// StrictSniff requires the detected type, not only the declared one,
	// to be allowed.
	StrictSniff bool
}

var contentRules = map[models.AssetKind]contentRule{
	models.AssetKindDataset: {
		Folder:  "datasets",
		MaxSize: 100 * megabyte,
		AllowedTypes: []string{
			"text/csv",
			"text/plain",
			"text/tab-separated-values",
			"application/json",
			"application/x-ndjson",
			"application/zip",
			"application/gzip",
			"application/x-tar",
			"application/vnd.apache.parquet",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		},
	},
	models.AssetKindModel: {
		Folder:  "models",
		MaxSize: 100 * megabyte,
		AllowedTypes: []string{
			"application/octet-stream",
			"application/zip",
			"application/gzip",
			"application/x-tar",
			"application/x-hdf",
			"application/x-hdf5",
			"application/json",
		},
	},
	models.AssetKindEbook: {
		Folder:       "ebooks",
		MaxSize:      100 * megabyte,
		AllowedTypes: []string{"application/pdf", "application/epub+zip"},
	},
	models.AssetKindCover: {
		Folder:       "covers",
		MaxSize:      5 * megabyte,
		AllowedTypes: []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
		StrictSniff:  true,
	},
	models.AssetKindPreview: {
		Folder:       "previews",
		MaxSize:      10 * megabyte,
		AllowedTypes: []string{"application/pdf", "application/epub+zip", "image/jpeg", "image/png"},
	},
}

func ruleFor(kind models.AssetKind) (contentRule, bool) {
	rule, ok := contentRules[kind]
	return rule, ok
}

func normalizeMimeType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(value); err == nil {
		return strings.ToLower(mediaType)
	}
	return strings.ToLower(strings.TrimSpace(strings.Split(value, ";")[0]))
}

func typeAllowed(mimeType string, allowed []string) bool {
	for _, a := range allowed {
		if mimeType == a {
			return true
		}
	}
	if m := mimetype.Lookup(mimeType); m != nil {
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

// resolveFileType picks the effective content type of an upload and checks
// it against the rule. The declared type wins unless it is missing or
// generic, in which case the sniffed type is used.
func resolveFileType(rule contentRule, declared string, data []byte) (string, bool) {
	sniffed := mimetype.Detect(data)
	sniffedType := normalizeMimeType(sniffed.String())

	effective := normalizeMimeType(declared)
	if effective == "" || effective == "application/octet-stream" {
		effective = sniffedType
	}

	if !typeAllowed(effective, rule.AllowedTypes) {
		return effective, false
	}
	if rule.StrictSniff && !typeAllowed(sniffedType, rule.AllowedTypes) {
		return sniffedType, false
	}
	return effective, true
}

// generateStorageKey never uses the client's filename except for a
// sanitized extension fallback.
func generateStorageKey(folder, mimeType, originalName string, now time.Time) string {
	ext := ""
	if m := mimetype.Lookup(mimeType); m != nil {
		ext = m.Extension()
	}
	if ext == "" {
		ext = sanitizeExtension(filepath.Ext(originalName))
	}

	return fmt.Sprintf("%s/%s/%s%s", folder, now.Format("20060102"), uuid.New().String(), ext)
}

func sanitizeExtension(ext string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ext) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 10 {
			break
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + b.String()
}
