package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncroom/relay/internal/v1/logging"
)

func newTestRouter(capture *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/", func(c *gin.Context) {
		*capture = c.GetString(string(logging.CorrelationIDKey))
		c.Status(http.StatusOK)
	})
	return r
}

func TestCorrelationIDGenerated(t *testing.T) {
	var inContext string
	r := newTestRouter(&inContext)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)

	header := w.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, header)
	_, err := uuid.Parse(header)
	assert.NoError(t, err)
	assert.Equal(t, header, inContext)
}

func TestCorrelationIDPropagated(t *testing.T) {
	var inContext string
	r := newTestRouter(&inContext)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXCorrelationID, "req-42")
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-42", inContext)
}
