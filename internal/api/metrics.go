package api

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	WebSocket     WSMetrics           `json:"websocket"`
	Connections   []ConnectionMetrics `json:"connections"`
	Database      *DatabaseMetrics    `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// ConnectionMetrics contains the queue depths of one connection.
type ConnectionMetrics struct {
	Identity  string `json:"identity"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Stored    int    `json:"stored"`
	Buffered  int    `json:"buffered"`
	Pending   int    `json:"pending_deliveries"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// statsProvider is implemented by *database.DB through its embedded *sql.DB.
type statsProvider interface {
	Stats() sql.DBStats
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Connections: []ConnectionMetrics{},
	}

	for _, info := range s.bridge.Connections() {
		cm := ConnectionMetrics{
			Identity:  string(info.Identity),
			State:     info.State.String(),
			Connected: s.bridge.IsConnected(info.Identity),
			Buffered:  info.Buffered,
		}
		// The connection may be closed between listing and counting.
		if n, err := s.bridge.StoredCount(r.Context(), info.Identity); err == nil {
			cm.Stored = n
		}
		if toks, err := s.bridge.PendingDeliveryTokens(info.Identity); err == nil {
			cm.Pending = len(toks)
		}
		metrics.Connections = append(metrics.Connections, cm)
	}

	// Database stats (if available)
	if sp, ok := s.database.(statsProvider); ok {
		dbStats := sp.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
