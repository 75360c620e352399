package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	return r
}

func TestCorrelationMiddleware_KeepsCallerId(t *testing.T) {
	var seen string
	r := newRouter(CorrelationMiddleware())
	r.GET("/x", func(c *gin.Context) {
		seen, _ = utils.GetCorrelationIdFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(CorrelationHeader, "cid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "cid-1", seen)
	assert.Equal(t, "cid-1", w.Header().Get(CorrelationHeader))
}

func TestCorrelationMiddleware_GeneratesId(t *testing.T) {
	var seen string
	r := newRouter(CorrelationMiddleware())
	r.GET("/x", func(c *gin.Context) {
		seen, _ = utils.GetCorrelationIdFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(CorrelationHeader))
}

func TestSessionMiddleware_SetsUser(t *testing.T) {
	var user string
	var ok bool
	r := newRouter(SessionMiddleware(), RequestLogger(logrus.New()))
	r.GET("/x", func(c *gin.Context) {
		user, ok = utils.GetUserIdFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(UserHeader, " u-7 ")
	r.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, ok)
	assert.Equal(t, "u-7", user)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.False(t, ok)
}
