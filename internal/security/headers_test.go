package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/accounts/payer-1", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"account": gin.H{"id": "payer-1", "spendable": "10.00"}})
	})
	r.POST("/v1/requests", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func TestHeadersMiddleware_AccountResponseIsNotCached(t *testing.T) {
	r := newRouter(HeadersMiddleware())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/payer-1", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
}

func TestCORSMiddleware_SubmitPreflight(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		origin      string
		wantStatus  int
		wantAllowed bool
		wantCreds   bool
	}{
		{"configured dashboard", []string{"https://ops.settlehub.test"}, "https://ops.settlehub.test", http.StatusNoContent, true, true},
		{"wildcard without credentials", []string{"*"}, "https://any.test", http.StatusNoContent, true, false},
		{"unknown origin refused", []string{"https://ops.settlehub.test"}, "https://evil.test", http.StatusForbidden, false, false},
		{"nothing configured refuses cross-origin", nil, "https://ops.settlehub.test", http.StatusForbidden, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(CORSMiddleware(tc.origins))
			req := httptest.NewRequest(http.MethodOptions, "/v1/requests", nil)
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			if !tc.wantAllowed {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
				return
			}
			assert.Equal(t, tc.origin, w.Header().Get("Access-Control-Allow-Origin"))
			allow := w.Header().Get("Access-Control-Allow-Headers")
			assert.Contains(t, allow, "Idempotency-Key")
			assert.Contains(t, allow, "X-Admin-Secret")
			assert.Contains(t, allow, "Authorization")
			assert.Equal(t, tc.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSMiddleware_SameOriginPassesThrough(t *testing.T) {
	r := newRouter(CORSMiddleware(nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/requests", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_ExposesRequestID(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"*"}))
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/payer-1", nil)
	req.Header.Set("Origin", "https://any.test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Request-ID")
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}
