// internal/utils/validator.go
package utils

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("promptpay_id", validatePromptPayID)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// validatePromptPayID accepts a Thai mobile number (10 digits), a national
// or tax id (13 digits) or an e-wallet id (15 digits). Separators are ignored.
func validatePromptPayID(fl validator.FieldLevel) bool {
	switch digits := DigitsOnly(fl.Field().String()); len(digits) {
	case 10:
		return strings.HasPrefix(digits, "0")
	case 13, 15:
		return true
	default:
		return false
	}
}

func DigitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(e.Field()),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		return e.Field() + " must be at least " + e.Param()
	case "max":
		return e.Field() + " must be at most " + e.Param()
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	case "promptpay_id":
		return "PromptPay id must be a mobile number, national id or e-wallet id"
	case "eth_addr":
		return "Wallet address must be a 0x-prefixed 20 byte hex address"
	default:
		return e.Field() + " is invalid"
	}
}
