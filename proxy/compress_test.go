package proxy

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGzipTestEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(gzipMiddleware())
	e.GET("/payload", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": []string{"a", "b", "c"}})
	})
	return e
}

func TestGzipMiddlewareCompressesWhenAccepted(t *testing.T) {
	e := newGzipTestEngine()

	req := httptest.NewRequest(http.MethodGet, "/payload", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	reader, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "models")
}

func TestGzipMiddlewareSkipsWithoutAcceptEncoding(t *testing.T) {
	e := newGzipTestEngine()

	req := httptest.NewRequest(http.MethodGet, "/payload", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Body.String(), "models")
}
