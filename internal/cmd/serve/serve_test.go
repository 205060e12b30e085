package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsAttachmentUpload(t *testing.T) {
	t.Run("multipart attachment upload streams", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/attachments", strings.NewReader("abcdef"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.True(t, isAttachmentUpload(req))
	})

	t.Run("json body is not an upload", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/attachments", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isAttachmentUpload(req))
	})

	t.Run("other endpoints are not uploads", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/messages", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isAttachmentUpload(req))
	})
}

func TestMaxBodySizeMiddleware_SkipsForMultipartAttachmentUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/sessions/:sessionId/attachments", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/attachments", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddleware_EnforcesForOtherEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/sessions/:sessionId/messages", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/abc/messages", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}
