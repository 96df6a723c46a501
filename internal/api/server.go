package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"weather-bridge/internal/bridge"
	"weather-bridge/internal/provider"
	"weather-bridge/internal/scheduler"
	"weather-bridge/internal/storage"
)

// Bridge is the part of the bridge the API drives.
type Bridge interface {
	Providers() []provider.WeatherProvider
	Status() bridge.Status
	Select(serviceName string) (provider.WeatherProvider, error)
	Deselect()
	Refresh() bool
}

type Server struct {
	router  *gin.Engine
	server  *http.Server
	bridge  Bridge
	db      *storage.Database
	port    int
	persist func(serviceName string) error
	logger  *zap.Logger
}

type ServerConfig struct {
	Port     int
	Bridge   Bridge
	Database *storage.Database
	// PersistSelection stores the selected service name. Optional.
	PersistSelection func(serviceName string) error
	Logger           *zap.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router:  router,
		bridge:  cfg.Bridge,
		db:      cfg.Database,
		port:    cfg.Port,
		persist: cfg.PersistSelection,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	api := s.router.Group("/api/v1")
	{
		api.GET("/providers", s.providersHandler)
		api.GET("/provider", s.getProviderHandler)
		api.PUT("/provider", s.selectProviderHandler)
		api.DELETE("/provider", s.deselectProviderHandler)

		api.GET("/scheduler", s.schedulerHandler)
		api.POST("/scheduler/refresh", s.refreshHandler)

		api.GET("/cycles", s.cyclesHandler)
		api.GET("/cycles/latest", s.latestCycleHandler)
		api.GET("/cycles/:id", s.cycleHandler)
		api.GET("/stats/providers", s.providerStatsHandler)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.logger.Info("API server starting", zap.Int("port", s.port))
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	st := s.bridge.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"device_connected": st.DeviceConnected,
		"scheduler":        st.Scheduler.State.String(),
		"providers":        len(st.Providers),
		"timestamp":        time.Now(),
	})
}

type ProviderResponse struct {
	Name        string `json:"name"`
	ServiceName string `json:"service_name"`
	Selected    bool   `json:"selected"`
}

func (s *Server) providersHandler(c *gin.Context) {
	st := s.bridge.Status()
	out := make([]ProviderResponse, 0, len(st.Providers))
	for _, p := range st.Providers {
		out = append(out, ProviderResponse{
			Name:        p.Name,
			ServiceName: p.ServiceName,
			Selected:    st.Selected != nil && st.Selected.ServiceName == p.ServiceName,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getProviderHandler(c *gin.Context) {
	st := s.bridge.Status()
	if st.Selected == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No provider selected"})
		return
	}
	c.JSON(http.StatusOK, ProviderResponse{Name: st.Selected.Name, ServiceName: st.Selected.ServiceName, Selected: true})
}

type SelectProviderRequest struct {
	ServiceName string `json:"service_name" binding:"required"`
}

func (s *Server) selectProviderHandler(c *gin.Context) {
	var req SelectProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := s.bridge.Select(req.ServiceName)
	if errors.Is(err, bridge.ErrUnknownProvider) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Provider %s is not available", req.ServiceName)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"provider": ProviderResponse{Name: p.Name, ServiceName: p.ServiceName, Selected: true}}
	if s.persist != nil {
		if err := s.persist(p.ServiceName); err != nil {
			s.logger.Warn("Failed to persist provider selection", zap.Error(err))
			resp["warning"] = "Selection applied but not persisted to file"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deselectProviderHandler(c *gin.Context) {
	s.bridge.Deselect()
	if s.persist != nil {
		if err := s.persist(""); err != nil {
			s.logger.Warn("Failed to persist provider selection", zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

type CycleSummary struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Written    int       `json:"messages_written"`
}

type SchedulerResponse struct {
	State               string        `json:"state"`
	Phase               string        `json:"phase"`
	Provider            string        `json:"provider,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextRun             *time.Time    `json:"next_run,omitempty"`
	LastCycle           *CycleSummary `json:"last_cycle,omitempty"`
}

func schedulerResponse(st scheduler.Status) SchedulerResponse {
	resp := SchedulerResponse{
		State:               st.State.String(),
		Phase:               st.Phase.String(),
		ConsecutiveFailures: st.Failures,
	}
	if st.Provider != nil {
		resp.Provider = st.Provider.ServiceName
	}
	if !st.NextRun.IsZero() {
		next := st.NextRun
		resp.NextRun = &next
	}
	if c := st.LastCycle; c != nil {
		resp.LastCycle = &CycleSummary{
			ID:         c.ID,
			Provider:   c.Provider.ServiceName,
			Outcome:    string(c.Outcome),
			Error:      c.ErrorString(),
			StartedAt:  c.StartedAt,
			DurationMs: c.Duration().Milliseconds(),
			Written:    c.Written,
		}
	}
	return resp
}

func (s *Server) schedulerHandler(c *gin.Context) {
	c.JSON(http.StatusOK, schedulerResponse(s.bridge.Status().Scheduler))
}

func (s *Server) refreshHandler(c *gin.Context) {
	if !s.bridge.Refresh() {
		c.JSON(http.StatusConflict, gin.H{"error": "Scheduler is idle"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Refresh requested"})
}

func (s *Server) requireDatabase(c *gin.Context) bool {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Cycle history is disabled"})
		return false
	}
	return true
}

func (s *Server) cyclesHandler(c *gin.Context) {
	if !s.requireDatabase(c) {
		return
	}
	fromStr := c.Query("from")
	toStr := c.Query("to")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}

	if fromStr != "" && toStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
			return
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
			return
		}

		cycles, err := s.db.GetCyclesByRange(from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cycles)
		return
	}

	cycles, err := s.db.GetCyclesWithLimit(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cycles)
}

func (s *Server) latestCycleHandler(c *gin.Context) {
	if !s.requireDatabase(c) {
		return
	}
	cycle, err := s.db.GetLatestCycle()
	s.respondCycle(c, cycle, err)
}

func (s *Server) cycleHandler(c *gin.Context) {
	if !s.requireDatabase(c) {
		return
	}
	cycle, err := s.db.GetCycle(c.Param("id"))
	s.respondCycle(c, cycle, err)
}

func (s *Server) respondCycle(c *gin.Context, cycle *storage.CycleRecord, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No cycle recorded"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cycle)
}

func (s *Server) providerStatsHandler(c *gin.Context) {
	if !s.requireDatabase(c) {
		return
	}
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'hours' value"})
		return
	}
	stats, err := s.db.GetProviderStats(time.Now().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if stats == nil {
		stats = []storage.ProviderStats{}
	}
	c.JSON(http.StatusOK, stats)
}
