package route

import (
	"net/http"

	"nutbolt/internal/config"
	"nutbolt/internal/handler"
	loggerpkg "nutbolt/internal/logger"
	"nutbolt/internal/middleware"
	"nutbolt/internal/service"
)

// SetupRoutes registers the API, websocket, log and static endpoints and
// wraps the mux with recovery, request logging, CORS and rate limiting.
func SetupRoutes(manager *service.Manager, cfg *config.Config, logger *loggerpkg.Logger) http.Handler {
	mux := http.NewServeMux()

	// Static files
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDirectory))))

	// Detection API
	mux.HandleFunc("GET /health", handler.HealthHandler(manager))
	mux.HandleFunc("POST /detect", handler.DetectHandler(manager, cfg, logger))
	mux.HandleFunc("POST /detect/annotated", handler.DetectAnnotatedHandler(manager, cfg, logger))
	mux.HandleFunc("GET /config", handler.GetConfigHandler(manager))
	mux.HandleFunc("POST /config", handler.UpdateConfigHandler(manager, logger))

	// Websockets
	mux.HandleFunc("GET /api/stream", handler.StreamWebsocketHandler(manager, cfg, logger))
	mux.HandleFunc("GET /api/view", handler.ViewWebsocketHandler(manager, logger))

	// Log endpoints
	logFiles := map[string]string{
		"info":    loggerpkg.InfoFile,
		"warning": loggerpkg.WarningFile,
		"error":   loggerpkg.ErrorFile,
	}
	for level, file := range logFiles {
		mux.HandleFunc("GET /logs/"+level, handler.ShowLogsHandler(logger, file))
		mux.HandleFunc("GET /logs/"+level+"/clear", handler.ClearLogsHandler(logger, file))
	}

	// /settings -> <static>/settings.html, JSON 404 otherwise
	mux.HandleFunc("/", handler.DynamicHTMLHandler(cfg.StaticDirectory))

	return middleware.Chain(mux,
		middleware.Recoverer(logger),
		middleware.RequestLogger(logger),
		middleware.CORS(cfg.CORSOrigins),
		middleware.RateLimit(cfg.DetectRateLimit, cfg.DetectRateBurst, logger, "/detect", "/detect/annotated"),
	)
}
