// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Authentication
	KeyAuthRequired     = "auth.required"
	KeyAuthInvalidToken = "auth.invalid_token"
	KeyAuthTokenExpired = "auth.token_expired"
	KeyAccessDenied     = "auth.access_denied"

	// Products
	KeyProductCreated   = "product.created"
	KeyProductUpdated   = "product.updated"
	KeyProductDeleted   = "product.deleted"
	KeyProductActivated = "product.activated"
	KeyProductArchived  = "product.archived"

	// Files
	KeyFileUploadSuccess = "file.upload_success"
	KeyFileDeleted       = "file.deleted"
	KeyFileMissing       = "file.missing"

	// Purchases
	KeyPurchaseStarted   = "purchase.started"
	KeyPurchaseCompleted = "purchase.completed"
	KeyPurchaseFailed    = "purchase.failed"
	KeyPurchasePending   = "purchase.pending"

	// Notifications
	KeyNotifyPurchaseTitle   = "notification.purchase_title"
	KeyNotifyPurchaseMessage = "notification.purchase_message"
	KeyNotifyFailedTitle     = "notification.failed_title"
	KeyNotifyFailedMessage   = "notification.failed_message"
	KeyNotifySaleTitle       = "notification.sale_title"
	KeyNotifySaleMessage     = "notification.sale_message"

	// Validation
	KeyValidationInvalid = "validation.invalid"

	// Rate limiting
	KeyRateLimited = "rate.limited"
)
