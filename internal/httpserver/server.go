// Package httpserver exposes sampler status, recent points and prometheus
// metrics over HTTP.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/gauge/internal/cycle"
	"github.com/tinytelemetry/gauge/internal/model"
	"github.com/tinytelemetry/gauge/internal/probe"
)

const maxLatestLimit = 1000

// Deps are the read-only views the API serves from. Nil fields disable the
// corresponding data.
type Deps struct {
	Points   model.PointReader
	Stats    func() cycle.Stats
	Jobs     func() []probe.Status
	Gatherer prometheus.Gatherer
}

// Server provides the HTTP status API.
type Server struct {
	addr      string
	deps      Deps
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/sources", s.handleSources)
	r.GET("/api/points/latest", s.handleLatest)
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the listen address; after Start it is the bound address.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) jobs() []probe.Status {
	if s.deps.Jobs == nil {
		return []probe.Status{}
	}
	return s.deps.Jobs()
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	body := gin.H{"uptime": time.Since(s.startTime).String()}

	for _, j := range s.jobs() {
		if j.State == probe.StateFailed {
			status = "degraded"
		}
	}
	if s.deps.Stats != nil {
		st := s.deps.Stats()
		body["cycles"] = st.Cycles
		body["write_errors"] = st.WriteErrors
		body["active_sources"] = st.Active
		if !st.LastCycle.IsZero() {
			body["last_cycle"] = st.LastCycle.UTC().Format(time.RFC3339Nano)
			body["last_cycle_duration"] = st.LastDuration.String()
		}
		if st.LastError != "" {
			body["last_error"] = st.LastError
			status = "degraded"
		}
		if len(st.Dead) > 0 {
			body["dead_sources"] = st.Dead
			status = "degraded"
		}
	}
	body["status"] = status
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.jobs()})
}

func (s *Server) handleLatest(c *gin.Context) {
	if s.deps.Points == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no point store configured"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLatestLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	points, err := s.deps.Points.LatestPoints(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read points"})
		return
	}
	if points == nil {
		points = []model.Point{}
	}
	c.JSON(http.StatusOK, gin.H{"points": points, "count": len(points)})
}
