package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gatewarden/internal/health"
	"github.com/loykin/gatewarden/internal/metrics"
)

// Checker answers the health endpoints.
type Checker interface {
	Check(ctx context.Context) health.Report
	Ping() health.PingResult
}

// Router provides the health HTTP surface.
// Endpoints:
//
//	GET {basePath}/healthz   cheap liveness, 200 or 503
//	GET {basePath}/health    full report, 200 when healthy, 503 otherwise
//	GET {basePath}/status    supervisor state and last sync results
//	GET /metrics             Prometheus, when enabled
type Router struct {
	checker  Checker
	status   func() any
	basePath string
	metrics  bool
}

// NewRouter constructs a Router. status may be nil.
func NewRouter(checker Checker, status func() any, basePath string, withMetrics bool) *Router {
	return &Router{checker: checker, status: status, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		writeJSON(c, http.StatusServiceUnavailable, gin.H{"healthy": false, "error": fmt.Sprint(rec)})
		c.Abort()
	}))
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handlePing)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

func (r *Router) handlePing(c *gin.Context) {
	p := r.checker.Ping()
	code := http.StatusOK
	if p.Status != health.StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, p)
}

func (r *Router) handleHealth(c *gin.Context) {
	rep := r.checker.Check(c.Request.Context())
	code := http.StatusOK
	if !rep.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, rep)
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.status == nil {
		writeJSON(c, http.StatusNotFound, gin.H{"error": "status not available"})
		return
	}
	writeJSON(c, http.StatusOK, r.status())
}

// Server runs the router on addr until its context is cancelled.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

func NewServer(addr string, h http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log.With("component", "http"),
	}
}

func (s *Server) String() string { return "health-server" }

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.log.Info("health server listening", "addr", ln.Addr().String())
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		<-errc
		return ctx.Err()
	}
}
