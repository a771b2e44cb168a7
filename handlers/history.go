package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"roadwatch/models"
	"roadwatch/services"
	"roadwatch/storage"
)

// HistoryHandler serves the stored detection history and its map-ready
// read sides.
type HistoryHandler struct {
	store  *storage.Store
	layers *services.LayerLoader
}

func NewHistoryHandler(store *storage.Store, layers *services.LayerLoader) *HistoryHandler {
	return &HistoryHandler{store: store, layers: layers}
}

// List handles GET /api/v1/detections.
func (h *HistoryHandler) List(c *gin.Context) {
	records := h.store.Detections()
	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"data":  records,
		"total": len(records),
	})
}

// Clear handles DELETE /api/v1/detections.
func (h *HistoryHandler) Clear(c *gin.Context) {
	if err := h.store.ClearDetections(); err != nil {
		log.Errorf("Failed to clear detection history: %v", err)
		respondError(c, http.StatusInternalServerError, "STORAGE_ERROR",
			"failed to clear detection history", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "detection history cleared"})
}

// GeoJSON handles GET /api/v1/detections/geojson.
func (h *HistoryHandler) GeoJSON(c *gin.Context) {
	fc := services.BuildFeatureCollection(h.store.Detections())
	c.JSON(http.StatusOK, fc)
}

// MapAggregate handles GET /api/v1/map/aggregate: S2-clustered markers for
// the given viewport.
func (h *HistoryHandler) MapAggregate(c *gin.Context) {
	vp, centerLat, centerLon, err := parseViewport(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_VIEWPORT", err.Error(), nil)
		return
	}

	clusterer := services.NewDetectionClusterer(vp, centerLat, centerLon)
	records := h.store.Detections()
	for i := range records {
		clusterer.Add(&records[i])
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "data": clusterer.Points()})
}

func parseViewport(c *gin.Context) (*services.ViewPort, float64, float64, error) {
	parse := func(name string) (float64, error) {
		v, err := strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			return 0, errors.New("query parameter " + name + " must be a number")
		}
		return v, nil
	}

	vp := &services.ViewPort{}
	var err error
	if vp.LatMin, err = parse("latmin"); err != nil {
		return nil, 0, 0, err
	}
	if vp.LonMin, err = parse("lonmin"); err != nil {
		return nil, 0, 0, err
	}
	if vp.LatMax, err = parse("latmax"); err != nil {
		return nil, 0, 0, err
	}
	if vp.LonMax, err = parse("lonmax"); err != nil {
		return nil, 0, 0, err
	}

	centerLat := (vp.LatMin + vp.LatMax) / 2
	centerLon := (vp.LonMin + vp.LonMax) / 2
	if v, err := parse("latcenter"); err == nil {
		centerLat = v
	}
	if v, err := parse("loncenter"); err == nil {
		centerLon = v
	}
	return vp, centerLat, centerLon, nil
}

// GetGisSettings handles GET /api/v1/settings/gis.
func (h *HistoryHandler) GetGisSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": h.store.GisSettings()})
}

// PutGisSettings handles PUT /api/v1/settings/gis. Changing a layer URL
// supersedes any fetch in flight for that layer.
func (h *HistoryHandler) PutGisSettings(c *gin.Context) {
	var settings models.GisMapSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_BODY", "settings body is not valid JSON", nil)
		return
	}

	previous := h.store.GisSettings()
	if err := h.store.SaveGisSettings(settings); err != nil {
		log.Errorf("Failed to save GIS settings: %v", err)
		respondError(c, http.StatusInternalServerError, "STORAGE_ERROR", "failed to save settings", nil)
		return
	}

	if previous.WFSURL != settings.WFSURL || previous.WFSTypeName != settings.WFSTypeName {
		h.layers.Invalidate(services.LayerWFS)
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "data": h.store.GisSettings()})
}

// BoundaryLayer handles GET /api/v1/layers/boundary.
func (h *HistoryHandler) BoundaryLayer(c *gin.Context) {
	h.serveLayer(c, services.LayerBoundary, c.Query("url"))
}

// WFSLayer handles GET /api/v1/layers/wfs. The configured WFS URL is used
// unless the request overrides it.
func (h *HistoryHandler) WFSLayer(c *gin.Context) {
	sourceURL := c.Query("url")
	if sourceURL == "" {
		sourceURL = h.store.GisSettings().WFSURL
	}
	h.serveLayer(c, services.LayerWFS, sourceURL)
}

func (h *HistoryHandler) serveLayer(c *gin.Context, layer, sourceURL string) {
	result, err := h.layers.Load(c.Request.Context(), layer, sourceURL)
	if err != nil {
		if errors.Is(err, services.ErrFetchSuperseded) {
			respondError(c, http.StatusConflict, "LAYER_SUPERSEDED",
				"layer configuration changed while fetching", nil)
			return
		}
		respondError(c, http.StatusServiceUnavailable, "LAYER_UNAVAILABLE",
			"layer could not be fetched and no cached snapshot exists", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "source": result.Source, "fetchedAt": result.FetchedAt, "data": result.Data})
}
