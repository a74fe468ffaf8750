package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakePool struct{ live int }

func (f fakePool) LiveCount() int { return f.live }

type fakeRouters struct{ n int }

func (f fakeRouters) Count() int { return f.n }

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestLiveAlwaysOK(t *testing.T) {
	h := NewHandler(fakePinger{err: errors.New("db down")}, fakePinger{}, fakePool{0}, fakeRouters{0}, "s1", zap.NewNop())
	w, body := serve(t, h, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyAllUp(t *testing.T) {
	h := NewHandler(fakePinger{}, fakePinger{}, fakePool{2}, fakeRouters{1}, "s1", zap.NewNop())
	w, body := serve(t, h, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])
}

func TestReadyFailsWithoutWorkers(t *testing.T) {
	h := NewHandler(fakePinger{}, fakePinger{}, fakePool{0}, fakeRouters{0}, "s1", zap.NewNop())
	w, body := serve(t, h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, StatusUnhealthy, body["status"])
}

func TestDatabaseDownIsUnhealthy(t *testing.T) {
	h := NewHandler(fakePinger{err: errors.New("refused")}, fakePinger{}, fakePool{2}, fakeRouters{0}, "s1", zap.NewNop())
	w, body := serve(t, h, "/health/info")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, StatusUnhealthy, body["status"])
}

func TestStoreDownIsDegraded(t *testing.T) {
	h := NewHandler(fakePinger{}, fakePinger{err: errors.New("refused")}, fakePool{2}, fakeRouters{3}, "s1", zap.NewNop())
	w, body := serve(t, h, "/health/info")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusDegraded, body["status"])

	components := body["components"].(map[string]interface{})
	store := components["sharedStore"].(map[string]interface{})
	assert.Equal(t, StatusDown, store["status"])
	db := components["database"].(map[string]interface{})
	assert.Equal(t, StatusUp, db["status"])
	assert.Equal(t, float64(3), body["routers"])
}

func TestInfoReportsServerAndWorkers(t *testing.T) {
	h := NewHandler(fakePinger{}, fakePinger{}, fakePool{4}, fakeRouters{0}, "server-9", zap.NewNop())
	w, body := serve(t, h, "/health/info")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "server-9", body["serverId"])

	workers := body["components"].(map[string]interface{})["workers"].(map[string]interface{})
	assert.Equal(t, StatusUp, workers["status"])
	assert.Equal(t, float64(4), workers["live"])
}
