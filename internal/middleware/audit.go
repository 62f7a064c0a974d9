package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/services"
)

const maxAuditBody = 2000

var sensitiveKeys = map[string]bool{
	"password":       true,
	"old_password":   true,
	"new_password":   true,
	"client_secret":  true,
	"ticket":         true,
	"refresh_token":  true,
	"access_token":   true,
	"jwt_public_key": true,
}

// AuditLog records admin write operations to system_logs.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != http.MethodPost && method != http.MethodPut && method != http.MethodDelete {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			raw, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
			body = maskSensitiveFields(raw)
		}

		c.Next()

		userID := GetUserID(c)
		var uid *uint
		if userID > 0 {
			uid = &userID
		}
		status := c.Writer.Status()
		module, action := parseRouteInfo(c.FullPath(), method)
		message := fmt.Sprintf("%s %s %s -> %d", GetUsername(c), method, c.Request.URL.Path, status)

		extra := map[string]interface{}{
			"method": method,
			"path":   c.Request.URL.Path,
			"status": status,
			"body":   body,
		}
		switch {
		case status >= http.StatusInternalServerError:
			services.LogError(module, action, message, uid, c.ClientIP(), c.Request.UserAgent(), extra)
			return
		case status >= http.StatusBadRequest:
			services.LogWarning(module, action, message, uid, c.ClientIP(), c.Request.UserAgent(), extra)
			return
		}
		services.LogInfo(module, action, message, uid, c.ClientIP(), c.Request.UserAgent(), extra)
	}
}

// parseRouteInfo maps "/api/users/:id" + PUT to ("users", "update").
func parseRouteInfo(fullPath, method string) (module, action string) {
	path := strings.TrimPrefix(fullPath, "/api/")

	module, _, _ = strings.Cut(path, "/")
	if module == "" {
		module = "unknown"
	}

	switch method {
	case http.MethodPost:
		action = "create"
	case http.MethodPut:
		action = "update"
	case http.MethodDelete:
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	if strings.HasSuffix(fullPath, "/test") {
		action = "test"
	}
	return module, action
}

// maskSensitiveFields returns body with secret values replaced. Bodies that
// are not JSON objects are not recorded.
func maskSensitiveFields(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "[unparsed body omitted]"
	}
	maskValues(fields)
	masked, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	if len(masked) > maxAuditBody {
		return string(masked[:maxAuditBody]) + "...[truncated]"
	}
	return string(masked)
}

func maskValues(fields map[string]interface{}) {
	for key, value := range fields {
		if sensitiveKeys[strings.ToLower(key)] {
			fields[key] = "***"
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			maskValues(nested)
		}
	}
}
