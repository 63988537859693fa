// Package status exposes a small HTTP surface over a relay.Server's
// connection state, for operators and liveness probes watching a running
// agent fleet from outside.
package status

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/metasmith/internal/relay"
)

// Server serves relay connection status and health over HTTP.
type Server struct {
	bind   string
	relay  *relay.Server
	logger *slog.Logger

	registry      *prometheus.Registry
	connectionsGa prometheus.Gauge
	uptimeGa      prometheus.Gauge

	startTime  time.Time
	httpServer *http.Server
}

// NewServer builds a status server over rs, listening on bind once started.
func NewServer(bind string, rs *relay.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	s := &Server{
		bind:      bind,
		relay:     rs,
		logger:    logger,
		registry:  registry,
		startTime: time.Now(),
		connectionsGa: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "metasmith_relay_connections",
			Help: "Number of currently allocated relay client channels.",
		}),
		uptimeGa: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "metasmith_status_uptime_seconds",
			Help: "Seconds since the status server started.",
		}),
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/relay/connections", s.handleConnections)
	r.GET("/relay/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	return r
}

type connectionView struct {
	ID       string    `json:"id"`
	LastUsed time.Time `json:"last_used"`
}

// GET /relay/connections
func (s *Server) handleConnections(c *gin.Context) {
	conns := s.relay.Connections()
	out := make([]connectionView, len(conns))
	for i, conn := range conns {
		out[i] = connectionView{ID: conn.ID, LastUsed: conn.LastUsed}
	}
	s.connectionsGa.Set(float64(len(out)))
	c.JSON(http.StatusOK, gin.H{"connections": out, "count": len(out)})
}

// GET /relay/health
func (s *Server) handleHealth(c *gin.Context) {
	s.uptimeGa.Set(time.Since(s.startTime).Seconds())
	c.JSON(http.StatusOK, gin.H{
		"healthy":  true,
		"uptime_s": time.Since(s.startTime).Seconds(),
	})
}

// GET /metrics
func (s *Server) handleMetrics(c *gin.Context) {
	s.connectionsGa.Set(float64(len(s.relay.Connections())))
	s.uptimeGa.Set(time.Since(s.startTime).Seconds())
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// Start begins listening on s.bind and blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.bind,
		Handler:     s.router(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("status server starting", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
