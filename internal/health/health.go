// Package health exposes the liveness, readiness and comprehensive health
// endpoints. Readiness gates on the critical dependencies; the info endpoint
// adds per-component latencies for operators.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const checkTimeout = 2 * time.Second

// Component statuses.
const (
	StatusUp   = "up"
	StatusDown = "down"
)

// Overall statuses. Database or workers down means unhealthy; only the
// shared store down means degraded.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pinger is a dependency with a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerPool reports how many media workers are alive.
type WorkerPool interface {
	LiveCount() int
}

// RouterCounter reports how many rooms have a local router.
type RouterCounter interface {
	Count() int
}

// Handler serves the health endpoints.
type Handler struct {
	db       Pinger
	store    Pinger
	pool     WorkerPool
	routers  RouterCounter
	serverID string
	started  time.Time
	logger   *zap.Logger
}

// NewHandler wires the health handler.
func NewHandler(db, store Pinger, pool WorkerPool, routers RouterCounter, serverID string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		db:       db,
		store:    store,
		pool:     pool,
		routers:  routers,
		serverID: serverID,
		started:  time.Now(),
		logger:   logger,
	}
}

// Register mounts the health routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.Basic)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
	r.GET("/health/info", h.Info)
}

// Live handles GET /health/live: the process is running.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Basic handles GET /health with the overall status only.
func (h *Handler) Basic(c *gin.Context) {
	report := h.check(c.Request.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": report.Status})
}

// Ready handles GET /health/ready: database, shared store and at least one
// live worker.
func (h *Handler) Ready(c *gin.Context) {
	report := h.check(c.Request.Context())
	ready := report.Status == StatusHealthy
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready, "status": report.Status})
}

// Info handles GET /health/info with per-component detail.
func (h *Handler) Info(c *gin.Context) {
	report := h.check(c.Request.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// Component is one dependency's probe result.
type Component struct {
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
	Error     string  `json:"error,omitempty"`
	Live      *int    `json:"live,omitempty"`
}

// Report is the comprehensive health document.
type Report struct {
	Status        string               `json:"status"`
	ServerID      string               `json:"serverId"`
	UptimeSeconds int64                `json:"uptimeSeconds"`
	Routers       int                  `json:"routers"`
	Components    map[string]Component `json:"components"`
}

func (h *Handler) check(ctx context.Context) Report {
	report := Report{
		ServerID:      h.serverID,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Components:    make(map[string]Component),
	}
	if h.routers != nil {
		report.Routers = h.routers.Count()
	}

	dbUp := h.probe(ctx, "database", h.db, &report)
	storeUp := h.probe(ctx, "sharedStore", h.store, &report)

	live := 0
	if h.pool != nil {
		live = h.pool.LiveCount()
	}
	workers := Component{Status: StatusUp, Live: &live}
	if live < 1 {
		workers.Status = StatusDown
		workers.Error = "no live media workers"
	}
	report.Components["workers"] = workers

	switch {
	case !dbUp || live < 1:
		report.Status = StatusUnhealthy
	case !storeUp:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report
}

func (h *Handler) probe(ctx context.Context, name string, p Pinger, report *Report) bool {
	if p == nil {
		report.Components[name] = Component{Status: StatusDown, Error: "not configured"}
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	err := p.Ping(ctx)
	comp := Component{
		Status:    StatusUp,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		comp.Status = StatusDown
		comp.Error = err.Error()
		h.logger.Warn("health probe failed", zap.String("component", name), zap.Error(err))
	}
	report.Components[name] = comp
	return err == nil
}
