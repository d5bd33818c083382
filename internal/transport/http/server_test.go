package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/auth"
	"github.com/xiaot623/gogo/chatcore/internal/config"
	"github.com/xiaot623/gogo/chatcore/internal/metrics"
	"github.com/xiaot623/gogo/chatcore/internal/service/servicetest"
)

func newTestServer(t *testing.T, cfg *config.Config) (http.Handler, *auth.Authenticator, *servicetest.Fixture) {
	t.Helper()
	fx := servicetest.New(t)
	authn := auth.New("secret", true)
	e := NewServer(Deps{
		Config:  cfg,
		Service: fx.Service,
		Auth:    authn,
		Metrics: metrics.New(),
	})
	return e, authn, fx
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerHealthAndMetrics(t *testing.T) {
	h, _, _ := newTestServer(t, &config.Config{CORSOrigins: []string{"*"}, BodyLimit: "1M"})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerAuthentication(t *testing.T) {
	h, authn, _ := newTestServer(t, &config.Config{CORSOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unauthenticated"`)

	token, err := authn.Issue("u1", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/preferences", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Anonymous callers have no preferences.
	req = httptest.NewRequest(http.MethodGet, "/v1/preferences", nil)
	req.Header.Set(auth.ClientIDHeader, "tab-1")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerSendOverHTTP(t *testing.T) {
	h, authn, fx := newTestServer(t, &config.Config{CORSOrigins: []string{"*"}})
	fx.Script("Bonjour")
	token, err := authn.Issue("u1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/messages", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"content":"Bonjour"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestServerIPRateLimit(t *testing.T) {
	h, _, _ := newTestServer(t, &config.Config{CORSOrigins: []string{"*"}, IPRateLimit: 1})

	var limited bool
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set(auth.ClientIDHeader, "tab-1")
		rec := serve(h, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			break
		}
	}
	assert.True(t, limited)

	// Health and metrics endpoints are exempt.
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
