// Package api provides the HTTP admin API: health checks plus query,
// cache, and upstream statistics, served by a Gin-based HTTP server.
//
// Security note: do not expose the API to untrusted networks; it carries
// no authentication.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/waypointdns/waypoint/internal/server"
	"github.com/waypointdns/waypoint/internal/upstream"
)

// Server is the admin HTTP server.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server

	instanceID string
	startTime  time.Time
	stats      *server.Stats
	upstreams  *upstream.Set
}

// Config wires the components the API reports on.
type Config struct {
	Addr       string
	InstanceID string
	Stats      *server.Stats
	Upstreams  *upstream.Set
	Logger     *slog.Logger
}

// New creates the admin server; call ListenAndServe to start it.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		logger:     logger,
		instanceID: cfg.InstanceID,
		startTime:  time.Now(),
		stats:      cfg.Stats,
		upstreams:  cfg.Upstreams,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.health)
	engine.GET("/stats", s.serverStats)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status        string  `json:"status"`
	InstanceID    string  `json:"instance_id"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	NumCPU        int     `json:"num_cpu"`
	NumGoroutine  int     `json:"num_goroutine"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	MemPercent    float64 `json:"mem_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
}

func (s *Server) health(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := healthResponse{
		Status:        "ok",
		InstanceID:    s.instanceID,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		NumCPU:        runtime.NumCPU(),
		NumGoroutine:  runtime.NumGoroutine(),
	}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedMB = float64(vmStat.Used) / 1024 / 1024
		resp.MemPercent = vmStat.UsedPercent
	}
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	}

	c.JSON(http.StatusOK, resp)
}

type statsResponse struct {
	Queries   server.Snapshot   `json:"queries"`
	Cache     cacheStats        `json:"cache"`
	Upstreams map[string]uint64 `json:"upstreams"`
}

type cacheStats struct {
	Hits   uint64 `json:"hits"`
	Stale  uint64 `json:"stale"`
	Misses uint64 `json:"misses"`
}

func (s *Server) serverStats(c *gin.Context) {
	resp := statsResponse{}
	if s.stats != nil {
		resp.Queries = s.stats.Snapshot()
	}
	if s.upstreams != nil {
		hits, stale, misses := s.upstreams.CacheStats()
		resp.Cache = cacheStats{Hits: hits, Stale: stale, Misses: misses}
		resp.Upstreams = s.upstreams.QueryCounts()
	}
	c.JSON(http.StatusOK, resp)
}
