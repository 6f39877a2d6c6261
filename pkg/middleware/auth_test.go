package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(am *AuthMiddleware, rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := []gin.HandlerFunc{am.Authenticate()}
	if rl != nil {
		handlers = append(handlers, rl.Middleware())
	}
	handlers = append(handlers, func(c *gin.Context) {
		id, _ := UserID(c)
		c.String(http.StatusOK, id)
	})
	r.GET("/me", handlers...)
	return r
}

func TestAuthenticate(t *testing.T) {
	am := NewAuthMiddleware("secret", time.Hour)
	token, err := am.GenerateToken("user-1")
	require.NoError(t, err)

	other, err := NewAuthMiddleware("other", time.Hour).GenerateToken("user-1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid bearer", "Bearer " + token, http.StatusOK, "user-1"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + other, http.StatusUnauthorized, ""},
		{"garbage", "Bearer abc.def", http.StatusUnauthorized, ""},
	}

	r := newRouter(am, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	am := NewAuthMiddleware("secret", time.Hour)
	token, err := am.GenerateToken("user-1")
	require.NoError(t, err)

	r := newRouter(am, NewRateLimiter(time.Hour, 2))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
