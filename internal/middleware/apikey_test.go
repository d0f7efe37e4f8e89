package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/taskmgr818/stargraph-broker/internal/auth"
	appctx "github.com/taskmgr818/stargraph-broker/internal/context"
)

type fakeUsers struct {
	auth.UserService
	users map[string]*auth.User
}

func (f *fakeUsers) GetByAPIKey(ctx context.Context, apiKey string) (*auth.User, error) {
	if u, ok := f.users[apiKey]; ok {
		return u, nil
	}
	return nil, auth.ErrInvalidAPIKey
}

func TestAPIKeyAuth(t *testing.T) {
	users := &fakeUsers{users: map[string]*auth.User{
		"sk-good":   {ID: 1, Status: auth.StatusActive},
		"sk-banned": {ID: 2, Status: auth.StatusBanned},
	}}
	r := router(APIKeyAuth(users))

	cases := []struct {
		name   string
		header string
		query  string
		code   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"malformed", "Token sk-good", "", http.StatusUnauthorized},
		{"unknown", "Bearer sk-nope", "", http.StatusUnauthorized},
		{"banned", "Bearer sk-banned", "", http.StatusForbidden},
		{"header", "Bearer sk-good", "", http.StatusOK},
		{"query", "", "?api_key=sk-good", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/who"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.code, w.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, "1", w.Body.String())
			}
		})
	}
}

func TestAdminTokenAuth(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		code   int
	}{
		{"not configured", "", "Bearer x", http.StatusServiceUnavailable},
		{"missing", "secret", "", http.StatusUnauthorized},
		{"wrong", "secret", "Bearer nope", http.StatusUnauthorized},
		{"ok", "secret", "Bearer secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			r := gin.New()
			r.GET("/admin", AdminTokenAuth(tc.token), func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func router(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/who", mw, func(c *gin.Context) {
		c.String(http.StatusOK, "%d", appctx.GetOwnerID(c))
	})
	return r
}
