// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/javajoker/digimarket-backend/internal/i18n"
)

// I18nMiddleware picks the first supported language from Accept-Language,
// e.g. "th-TH,th;q=0.9,en;q=0.8".
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("lang", negotiateLanguage(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

func negotiateLanguage(header string) string {
	supported := make(map[string]struct{})
	for _, lang := range i18n.GetSupportedLanguages() {
		supported[lang] = struct{}{}
	}

	for _, part := range strings.Split(header, ",") {
		tag := strings.ToLower(strings.TrimSpace(strings.Split(part, ";")[0]))
		if tag == "" {
			continue
		}
		// Convert common language codes
		base := strings.SplitN(strings.ReplaceAll(tag, "_", "-"), "-", 2)[0]
		if _, ok := supported[base]; ok {
			return base
		}
	}
	return i18n.DefaultLang()
}
