package api

import "github.com/gin-gonic/gin"

// extractAuthor resolves the acting operator from reverse-proxy identity
// headers. The deployment fronts the API with an authenticating proxy; when
// none of the headers are present the caller is recorded as a generic API
// client.
func extractAuthor(c *gin.Context) string {
	for _, header := range []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Remote-User"} {
		if v := c.GetHeader(header); v != "" {
			return v
		}
	}
	return "api-client"
}
