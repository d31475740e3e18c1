package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/telefold/telefold/pkg/deadletter"
	"github.com/telefold/telefold/pkg/httpx"
	"github.com/telefold/telefold/pkg/ingest"
	"github.com/telefold/telefold/pkg/query"
	"github.com/telefold/telefold/pkg/server/monitor"
)

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string                   `json:"status"`
	Version     string                   `json:"version"`
	Uptime      string                   `json:"uptime"`
	ConsumerLag int                      `json:"consumer_lag"`
	Partitions  []ingest.PartitionStatus `json:"partitions"`
	Rollup5m    monitor.RollupStatus     `json:"rollup_5m"`
	Rollup1h    monitor.RollupStatus     `json:"rollup_1h"`
}

// handleHealth returns service health. Degraded when either rollup schedule
// has stalled; ingestion state rides along for diagnosis.
func handleHealth(coordinator *ingest.Coordinator, rollup5m, rollup1h *monitor.RollupMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK
		if !rollup5m.IsHealthy() || !rollup1h.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		partitions, lag := coordinator.Status(r.Context())
		response := HealthResponse{
			Status:      overallStatus,
			Version:     "1.0.0",
			Uptime:      time.Since(startTime).String(),
			ConsumerLag: lag,
			Partitions:  partitions,
			Rollup5m:    rollup5m.Status(),
			Rollup1h:    rollup1h.Status(),
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(monitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := monitor.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		usage := StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  monitor.GetLimit(),
		}

		httpx.RespondJSON(w, http.StatusOK, usage)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(
	router *mux.Router,
	coordinator *ingest.Coordinator,
	queryHandler *query.Handler,
	dlqHandler *deadletter.Handler,
	storageMonitor *monitor.StorageMonitor,
	rollup5m, rollup1h *monitor.RollupMonitor,
	hub *ingest.AnomalyHub,
	port string,
) {
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Feature queries and storage stats
	api.HandleFunc("/features", queryHandler.HandleFeatures).Methods("GET")
	api.HandleFunc("/stats", queryHandler.HandleStats).Methods("GET")

	// Dead-letter inspection and replay
	api.HandleFunc("/dlq", dlqHandler.HandleList).Methods("GET")
	api.HandleFunc("/dlq/replay", dlqHandler.HandleReplay).Methods("POST")

	// Operational surfaces
	api.HandleFunc("/storage", handleStorageUsage(storageMonitor)).Methods("GET")
	api.HandleFunc("/health", handleHealth(coordinator, rollup5m, rollup1h)).Methods("GET")

	// WebSocket anomaly stream
	api.HandleFunc("/anomalies/stream", hub.Handler()).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Allow localhost origins for local development
			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			// Only set CORS headers for allowed origins
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
