package handlers

import (
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"roadwatch/models"
	"roadwatch/storage"
)

// StatsHandler exposes the admin stats document behind the endpoint secret.
type StatsHandler struct {
	stats *storage.StatsWriter
	store *storage.Store
}

func NewStatsHandler(stats *storage.StatsWriter, store *storage.Store) *StatsHandler {
	return &StatsHandler{stats: stats, store: store}
}

// Get handles GET /api/v1/admin/stats.
func (h *StatsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": h.stats.Load()})
}

// Put handles POST /api/v1/admin/stats: replaces the stats document and
// remembers when the admin last synced.
func (h *StatsHandler) Put(c *gin.Context) {
	var snap models.StatsSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_BODY", "stats body is not valid JSON", nil)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	snap.UpdatedAt = now
	h.stats.Update(snap)

	if err := h.store.SaveAdminSession([]byte(`{"lastSyncAt":"` + now + `"}`)); err != nil {
		log.Warnf("Failed to record admin sync time: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "data": snap})
}
