// internal/utils/crypto.go
package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// FileHash is the hex sha256 used for duplicate detection.
func FileHash(fileData []byte) string {
	sum := sha256.Sum256(fileData)
	return hex.EncodeToString(sum[:])
}

// ContentMD5 is the base64 md5 object stores use to verify uploads.
func ContentMD5(fileData []byte) string {
	sum := md5.Sum(fileData)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func ValidateFileHash(fileData []byte, expectedHash string) bool {
	return FileHash(fileData) == expectedHash
}
