package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadwatch/middleware"
	"roadwatch/models"
	"roadwatch/storage"
)

func newStatsRouter(t *testing.T, secret string) (*gin.Engine, *storage.StatsWriter, *storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.New(storage.NewMemoryKV())
	stats := storage.NewStatsWriter(t.TempDir()+"/stats.json", store, time.Millisecond)
	handler := NewStatsHandler(stats, store)

	router := gin.New()
	admin := router.Group("/")
	admin.Use(middleware.EndpointSecretMiddleware(secret, false))
	admin.GET("/api/v1/admin/stats", handler.Get)
	admin.POST("/api/v1/admin/stats", handler.Put)
	return router, stats, store
}

func TestStats_RequiresSecret(t *testing.T) {
	router, _, _ := newStatsRouter(t, "sesame")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/admin/stats", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStats_GetWithSecret(t *testing.T) {
	router, _, _ := newStatsRouter(t, "sesame")

	req := httptest.NewRequest("GET", "/api/v1/admin/stats", nil)
	req.Header.Set(middleware.SecretHeader, "sesame")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data models.StatsSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Data.Stats.InvalidCount)
}

func TestStats_PostFlushesAndRecordsSync(t *testing.T) {
	router, stats, store := newStatsRouter(t, "sesame")

	snap := models.StatsSnapshot{Stats: models.AdminStats{InvalidCount: 3}}
	body, _ := json.Marshal(snap)
	req := httptest.NewRequest("POST", "/api/v1/admin/stats", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.SecretHeader, "sesame")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, stats.Flush())

	loaded := stats.Load()
	assert.Equal(t, 3, loaded.Stats.InvalidCount)
	assert.NotEmpty(t, loaded.UpdatedAt)

	session := store.AdminSession()
	assert.Contains(t, string(session), "lastSyncAt")
}
