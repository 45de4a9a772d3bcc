package system

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"framecast-server-go/internal/domain/eventbus/repository"
	"framecast-server-go/internal/domain/image"
	"framecast-server-go/internal/platform/config"
	"framecast-server-go/internal/platform/errors"
	"framecast-server-go/internal/platform/logging"
	"framecast-server-go/internal/platform/observability"
	httptransport "framecast-server-go/internal/transport/http"
	"framecast-server-go/internal/transport/ws"
)

// Service exposes health and status endpoints.
type Service struct {
	logger  *logging.Logger
	config  *config.Config
	hub     *ws.Hub
	store   image.Store
	journal repository.EventRepository
	started time.Time
}

// NewService creates the system HTTP service. The journal is optional; it is
// only available when the sqlite store driver is active.
func NewService(cfg *config.Config, logger *logging.Logger, hub *ws.Hub, store image.Store, journal repository.EventRepository) (*Service, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfig, "system.new", "config is required")
	}
	if logger == nil {
		return nil, errors.New(errors.KindConfig, "system.new", "logger is required")
	}

	return &Service{
		logger:  logger,
		config:  cfg,
		hub:     hub,
		store:   store,
		journal: journal,
		started: time.Now(),
	}, nil
}

// Register wires the system routes.
func (s *Service) Register(ctx context.Context, router *gin.RouterGroup) error {
	router.GET("/system/health", s.handleHealth)
	router.GET("/system/status", s.handleStatus)

	s.logger.InfoTag("HTTP", "system routes registered")
	return nil
}

// handleHealth is the liveness probe.
// @Summary Health check
// @Tags System
// @Produce json
// @Success 200 {object} httptransport.APIResponse
// @Router /system/health [get]
func (s *Service) handleHealth(c *gin.Context) {
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{"status": "up"}, "")
}

// handleStatus reports runtime, host, hub and store state in one payload.
// @Summary Server status
// @Description Returns uptime, host resource usage, hub and store statistics and pipeline counters
// @Tags System
// @Produce json
// @Success 200 {object} httptransport.APIResponse
// @Router /system/status [get]
func (s *Service) handleStatus(c *gin.Context) {
	status := gin.H{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"counters":       observability.CounterSnapshot(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory"] = gin.H{
			"total_bytes":  vm.Total,
			"used_bytes":   vm.Used,
			"used_percent": vm.UsedPercent,
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}

	if s.hub != nil {
		status["hub"] = s.hub.Stats()
	}
	if s.store != nil {
		storeStats := s.store.Stats()
		if count, err := s.store.Count(c.Request.Context()); err == nil {
			storeStats["images"] = count
		}
		status["store"] = storeStats
	}
	if s.journal != nil {
		if eventStats, err := s.journal.GetEventStats(c.Request.Context()); err == nil {
			status["events"] = eventStats
		} else {
			s.logger.WarnTag("HTTP", "event journal stats unavailable: %v", err)
		}
	}

	httptransport.RespondSuccess(c, http.StatusOK, status, "")
}
