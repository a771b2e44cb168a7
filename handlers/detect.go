package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"roadwatch/config"
	"roadwatch/models"
	"roadwatch/roboflow"
	"roadwatch/services"
	"roadwatch/storage"
	ws "roadwatch/websocket"
)

// DetectHandler runs the intake pipeline: validate, resolve, forward,
// normalize, aggregate, encode, persist, broadcast.
type DetectHandler struct {
	cfg       *config.Config
	resolver  *roboflow.Resolver
	forwarder *roboflow.Forwarder
	store     *storage.Store
	stats     *storage.StatsWriter
	hub       *ws.Hub
}

func NewDetectHandler(cfg *config.Config, store *storage.Store, stats *storage.StatsWriter, hub *ws.Hub) *DetectHandler {
	return &DetectHandler{
		cfg:       cfg,
		resolver:  &roboflow.Resolver{BaseEndpoint: cfg.InferenceEndpoint},
		forwarder: roboflow.NewForwarder(),
		store:     store,
		stats:     stats,
		hub:       hub,
	}
}

type detectRequest struct {
	Image        string               `json:"image"`
	ModelID      string               `json:"modelId"`
	ModelVersion string               `json:"modelVersion"`
	Confidence   *float64             `json:"confidence"`
	Overlap      *float64             `json:"overlap"`
	CapturedAt   string               `json:"capturedAt"`
	Location     *models.GeoFix       `json:"location"`
	Evidence     *models.EvidenceMeta `json:"evidence"`
}

type detectMeta struct {
	ModelID      string `json:"modelId"`
	ModelVersion string `json:"modelVersion"`
	DurationMs   int64  `json:"durationMs"`
}

func respondError(c *gin.Context, status int, code, message string, details interface{}) {
	body := gin.H{"code": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	c.JSON(status, gin.H{"ok": false, "error": body})
}

// Submit handles POST /api/v1/detect.
func (h *DetectHandler) Submit(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectInput(c, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}

	if req.Image == "" {
		h.rejectInput(c, http.StatusBadRequest, "IMAGE_REQUIRED", "image is required")
		return
	}
	if len(req.Image) > h.cfg.MaxImageBase64Bytes {
		h.rejectInput(c, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE",
			fmt.Sprintf("image exceeds the %d byte base64 limit", h.cfg.MaxImageBase64Bytes))
		return
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = h.cfg.DefaultModelID
	}
	modelVersion := req.ModelVersion
	if modelVersion == "" {
		modelVersion = h.cfg.DefaultModelVersion
	}

	endpoint := h.resolver.Resolve(h.cfg.RoboflowAPIKey, modelID, modelVersion,
		formatFloat(req.Confidence), formatFloat(req.Overlap))
	if endpoint == nil {
		h.rejectInput(c, http.StatusBadRequest, "MODEL_UNRESOLVED",
			"model id and version are required when no inference endpoint is configured")
		return
	}
	log.Infof("Forwarding %s inference to %s", endpoint.Variant, roboflow.RedactURL(endpoint.URL))

	img := roboflow.ParseImageInput(req.Image)
	started := time.Now()
	result, err := h.forwarder.Forward(c.Request.Context(), endpoint, h.cfg.RoboflowAPIKey, img)
	durationMs := time.Since(started).Milliseconds()
	if err != nil {
		log.Errorf("Upstream unreachable via %s: %v", roboflow.RedactURL(endpoint.URL), err)
		respondError(c, http.StatusBadGateway, "UPSTREAM_UNREACHABLE",
			"inference service could not be reached", nil)
		return
	}
	if !result.OK {
		status := result.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		respondError(c, status, "UPSTREAM_ERROR",
			roboflow.ExtractUpstreamMessage(result.Body),
			gin.H{"status": result.Status, "body": roboflow.TruncateBody(result.Body, 600)})
		return
	}

	payload, err := roboflow.ExtractPredictions(result.Body)
	if err != nil {
		log.Errorf("Upstream returned a non-JSON body: %v", err)
		respondError(c, http.StatusBadGateway, "UPSTREAM_UNREACHABLE",
			"inference service returned an unreadable response", nil)
		return
	}

	report := services.Summarize(payload.Predictions, payload.FrameWidth, payload.FrameHeight)
	report.Evidence = req.Evidence
	if req.CapturedAt != "" {
		report.DetectedAt = req.CapturedAt
	}
	if req.Location != nil && services.ValidCoordinates(req.Location.Latitude, req.Location.Longitude) {
		report.Location = req.Location
	}

	record := models.StoredDetectionRecord{
		ID:            newRecordID(),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		ModelID:       endpoint.ModelID,
		ModelVersion:  endpoint.ModelVersion,
		APIDurationMs: durationMs,
		Report:        report,
	}
	if report.Location != nil {
		record.Spatial = services.EncodeRecord(&record, report.Location.Latitude, report.Location.Longitude)
	}

	message := "detection stored"
	if _, err := h.store.AppendDetection(record); err != nil {
		// Non-fatal: the inference succeeded even when history is full.
		log.Warnf("Failed to persist detection: %v", err)
		message = storage.UserMessage(err)
	} else {
		h.hub.BroadcastDetection(record)
	}

	var raw map[string]interface{} = payload.Container
	response := gin.H{}
	for k, v := range raw {
		response[k] = v
	}
	response["report"] = report
	response["record"] = record

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"message": message,
		"data":    response,
		"meta": detectMeta{
			ModelID:      endpoint.ModelID,
			ModelVersion: endpoint.ModelVersion,
			DurationMs:   durationMs,
		},
	})
}

// rejectInput reports a pre-network validation failure and counts it in
// the admin stats.
func (h *DetectHandler) rejectInput(c *gin.Context, status int, code, message string) {
	h.stats.RecordInvalid(time.Now())
	respondError(c, status, code, message, nil)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// newRecordID returns an opaque, time-ordered identifier.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
