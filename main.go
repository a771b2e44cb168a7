package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"roadwatch/config"
	"roadwatch/handlers"
	"roadwatch/middleware"
	"roadwatch/services"
	"roadwatch/storage"
	ws "roadwatch/websocket"
)

const (
	EndPointHealth       = "/health"
	EndPointDetect       = "/api/v1/detect"
	EndPointDetections   = "/api/v1/detections"
	EndPointGeoJSON      = "/api/v1/detections/geojson"
	EndPointMapAggregate = "/api/v1/map/aggregate"
	EndPointGisSettings  = "/api/v1/settings/gis"
	EndPointLayerBounds  = "/api/v1/layers/boundary"
	EndPointLayerWFS     = "/api/v1/layers/wfs"
	EndPointAdminStats   = "/api/v1/admin/stats"
	EndPointLive         = "/ws/live"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	if err := godotenv.Load(); err == nil {
		log.Info("Loaded configuration from .env file")
	}

	cfg := config.Load()

	if cfg.RoboflowAPIKey == "" {
		log.Warn("ROBOFLOW_API_KEY is not set; upstream calls will be rejected by Roboflow")
	}

	log.Info("Starting the roadwatch service...")

	kv, err := storage.NewFileKV(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open data directory %s: %v", cfg.DataDir, err)
	}
	store := storage.New(kv)
	stats := storage.NewStatsWriter(cfg.StatsFilePath, store, storage.DefaultQuietPeriod)
	layers := services.NewLayerLoader(store)

	hub := ws.NewHub()
	go hub.Run()

	detectHandler := handlers.NewDetectHandler(cfg, store, stats, hub)
	historyHandler := handlers.NewHistoryHandler(store, layers)
	statsHandler := handlers.NewStatsHandler(stats, store)
	liveHandler := handlers.NewLiveHandler(hub)

	// Setup router
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.AllowedOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, "+middleware.SecretHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check endpoint (no auth required)
	router.GET(EndPointHealth, func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "roadwatch",
			"version": "1.0.0",
		})
	})

	// Intake is rate limited per client; reads are not.
	limiter := middleware.NewRateLimiter()
	rateLimited := router.Group("/")
	rateLimited.Use(middleware.RateLimitMiddleware(limiter))
	{
		rateLimited.POST(EndPointDetect, detectHandler.Submit)
	}

	router.GET(EndPointDetections, historyHandler.List)
	router.DELETE(EndPointDetections, historyHandler.Clear)
	router.GET(EndPointGeoJSON, historyHandler.GeoJSON)
	router.GET(EndPointMapAggregate, historyHandler.MapAggregate)
	router.GET(EndPointGisSettings, historyHandler.GetGisSettings)
	router.PUT(EndPointGisSettings, historyHandler.PutGisSettings)
	router.GET(EndPointLayerBounds, historyHandler.BoundaryLayer)
	router.GET(EndPointLayerWFS, historyHandler.WFSLayer)

	admin := router.Group("/")
	admin.Use(middleware.EndpointSecretMiddleware(cfg.EndpointSecret, cfg.TrustSameOrigin))
	{
		admin.GET(EndPointAdminStats, statsHandler.Get)
		admin.POST(EndPointAdminStats, statsHandler.Put)
	}

	router.GET(EndPointLive, liveHandler.Serve)

	// Flush pending stats before the process exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received signal %v, flushing stats", sig)
		if err := stats.Flush(); err != nil {
			log.Errorf("Failed to flush stats: %v", err)
		}
		os.Exit(0)
	}()

	log.Infof("Roadwatch service starting on port %s", cfg.Port)
	log.Infof("Allowed origins: %s", cfg.AllowedOrigins)

	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
