package middleware

import (
	"strings"
	"testing"
)

func TestMaskSensitiveFields(t *testing.T) {
	body := `{"username":"zera","password":"hunter22","config":{"client_secret":"s3cret","server_url":"https://door"}}`
	masked := maskSensitiveFields([]byte(body))

	for _, secret := range []string{"hunter22", "s3cret"} {
		if strings.Contains(masked, secret) {
			t.Errorf("secret %q leaked: %s", secret, masked)
		}
	}
	if !strings.Contains(masked, `"username":"zera"`) {
		t.Errorf("plain field lost: %s", masked)
	}
	if !strings.Contains(masked, `"server_url":"https://door"`) {
		t.Errorf("nested plain field lost: %s", masked)
	}
}

func TestMaskSensitiveFields_NonJSON(t *testing.T) {
	if got := maskSensitiveFields([]byte("ticket=ST-1")); strings.Contains(got, "ST-1") {
		t.Errorf("non-JSON body recorded: %q", got)
	}
	if got := maskSensitiveFields(nil); got != "" {
		t.Errorf("empty body = %q", got)
	}
}

func TestParseRouteInfo(t *testing.T) {
	tests := []struct {
		path, method   string
		module, action string
	}{
		{"/api/users/:id", "PUT", "users", "update"},
		{"/api/users", "POST", "users", "create"},
		{"/api/system-config/cas/test", "POST", "system-config", "test"},
		{"/api/auth/change-password", "POST", "auth", "create"},
		{"", "DELETE", "unknown", "delete"},
	}
	for _, tt := range tests {
		module, action := parseRouteInfo(tt.path, tt.method)
		if module != tt.module || action != tt.action {
			t.Errorf("parseRouteInfo(%q, %q) = (%q, %q), expected (%q, %q)", tt.path, tt.method, module, action, tt.module, tt.action)
		}
	}
}
