package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/voxtalk/internal/api"
)

const testSecret = "s3cret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, api.WithAuth(testSecret, "voxtalk"), api.WithMetricsEndpoint(true))

	valid := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "voxtalk",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"empty bearer", "Bearer   ", http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"valid", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), valid), http.StatusOK},
		{"lower-case scheme", "bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), valid), http.StatusOK},
		{"wrong key", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), valid), http.StatusUnauthorized},
		{"wrong algorithm", "Bearer " + sign(t, jwt.SigningMethodHS512, []byte(testSecret), valid), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := f.do(t, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantCode == http.StatusUnauthorized {
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate header")
				}
				env := decode[any](t, rec)
				if env.Error == nil || env.Error.Kind != "Unauthorized" {
					t.Errorf("error = %+v", env.Error)
				}
			}
		})
	}
}

func TestAuth_OpsRoutesExempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, api.WithAuth(testSecret, ""), api.WithMetricsEndpoint(true))

	for _, target := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := f.do(t, httptest.NewRequest(http.MethodGet, target, nil)); rec.Code != http.StatusOK {
			t.Errorf("%s: status %d, want 200", target, rec.Code)
		}
	}
}

func TestAuth_DisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	f := newFixture(t, api.WithAuth("", "voxtalk"))

	if rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/chat", nil)); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
