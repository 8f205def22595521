package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestBodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(limit int64) *gin.Engine {
		router := gin.New()
		router.Use(BodyLimit(limit))
		router.POST("/usage/events", func(c *gin.Context) {
			if _, err := io.ReadAll(c.Request.Body); err != nil {
				c.String(http.StatusRequestEntityTooLarge, "stream cut")
				return
			}
			c.String(http.StatusOK, "ok")
		})
		return router
	}

	t.Run("allows body within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/usage/events", strings.NewReader(`{"amount":1}`))
		w := httptest.NewRecorder()
		newRouter(1024).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejects declared length over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/usage/events", bytes.NewReader(bytes.Repeat([]byte("x"), 200)))
		req.ContentLength = 200
		w := httptest.NewRecorder()
		newRouter(100).ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), "ERR_REQUEST_TOO_LARGE")
	})

	t.Run("cuts off chunked body over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/usage/events", bytes.NewReader(bytes.Repeat([]byte("x"), 200)))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		newRouter(100).ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, "stream cut", w.Body.String())
	})

	t.Run("non-positive limit uses default", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/usage/events", bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
		w := httptest.NewRecorder()
		newRouter(0).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
