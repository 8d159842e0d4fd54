package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voxhub/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthTestRouter(t *testing.T, required bool) (*gin.Engine, services.AuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := services.NewAuthService("test-secret", time.Minute, time.Hour)

	router := gin.New()
	if required {
		router.Use(AuthMiddleware(auth))
	} else {
		router.Use(OptionalAuthMiddleware(auth))
	}
	router.GET("/whoami", func(c *gin.Context) {
		username, _ := c.Get("username")
		c.JSON(http.StatusOK, gin.H{"username": username})
	})
	return router, auth
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	router, _ := newAuthTestRouter(t, true)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	router, _ := newAuthTestRouter(t, true)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	router, auth := newAuthTestRouter(t, true)

	token, err := auth.GenerateToken("u1", "alice")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
}

func TestOptionalAuthMiddlewareAllowsAnonymous(t *testing.T) {
	router, _ := newAuthTestRouter(t, false)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalAuthMiddlewareAttachesIdentity(t *testing.T) {
	router, auth := newAuthTestRouter(t, false)

	token, err := auth.GenerateToken("u1", "bob")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bob")
}
