package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/tradeguard-api/pkg/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	active bool
}

func (s *stubChecker) IsActive(ctx context.Context, tenantID string) (bool, error) {
	return s.active, nil
}

func newOrderRouter(t *testing.T, service *Service, checker KillSwitchChecker) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := NewGinHandlers(service, checker)
	router.POST("/api/v1/orders", func(c *gin.Context) {
		c.Set("clientID", "tenant-1")
	}, handlers.SubmitOrderHandler())
	return router
}

func postOrder(t *testing.T, router *gin.Engine) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"exchange_id": "EXCH1",
		"symbol":      "AAPL",
		"side":        "BUY",
		"order_type":  "LIMIT",
		"quantity":    5,
		"price":       120,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitOrderRejectedWhileHalted(t *testing.T) {
	env := newTestService(t, &stubAdapter{})
	router := newOrderRouter(t, env.service, &stubChecker{active: true})

	w := postOrder(t, router)
	assert.Equal(t, http.StatusLocked, w.Code)

	var envelope response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, response.ErrCodeKillSwitchActive, envelope.Error.Code)
}

func TestSubmitOrderAllowedWhenInactive(t *testing.T) {
	env := newTestService(t, &stubAdapter{})
	router := newOrderRouter(t, env.service, &stubChecker{active: false})

	w := postOrder(t, router)
	assert.Equal(t, http.StatusCreated, w.Code)

	var envelope response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.NotNil(t, envelope.Data)
}
