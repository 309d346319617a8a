// Package api exposes the de-identification gateway over HTTP.
//
// Endpoints:
//
//	GET    /health                       - analyzer and anonymizer reachability
//	GET    /status                       - uptime and effective settings
//	GET    /metrics                      - counter snapshot
//	POST   /api/v1/deid/scrub            - scrub fields, optionally into a session
//	POST   /api/v1/deid/reinject         - restore tokens from a session or map
//	POST   /api/v1/deid/complete         - scrub, ask the LLM, restore the answer
//	DELETE /api/v1/deid/sessions/:id     - drop a stored substitution map
//
// When a management token is configured every endpoint except /health
// requires "Authorization: Bearer <token>".
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"phi-deid-gateway/internal/detector"
	"phi-deid-gateway/internal/gateway"
	"phi-deid-gateway/internal/logger"
	"phi-deid-gateway/internal/metrics"
)

// Prober reports the health of the detection service.
type Prober func(ctx context.Context) detector.HealthReport

// Info is the static part of GET /status.
type Info struct {
	AnalyzerURL  string  `json:"analyzerUrl"`
	MinScore     float64 `json:"minScore"`
	LLMModel     string  `json:"llmModel"`
	SessionStore string  `json:"sessionStore"`
	AuditEnabled bool    `json:"auditEnabled"`
}

// Server is the HTTP API server.
type Server struct {
	gw        *gateway.Gateway
	probe     Prober
	metrics   *metrics.Metrics
	info      Info
	token     string
	startTime time.Time
	log       *logger.Logger
	echo      *echo.Echo
}

// New creates the API server and registers its routes.
func New(gw *gateway.Gateway, probe Prober, m *metrics.Metrics, info Info, token string, log *logger.Logger) *Server {
	s := &Server{
		gw:        gw,
		probe:     probe,
		metrics:   m,
		info:      info,
		token:     token,
		startTime: time.Now(),
		log:       log,
	}
	if token != "" {
		log.Info("auth", "Bearer token authentication enabled")
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}

	zl := s.log.Zerolog()
	e.Use(Recovery(zl))
	e.Use(RequestID())
	e.Use(Logger(zl))
	e.Use(echomw.BodyLimit("2M"))
	e.Use(BearerAuth(s.token, "/health"))

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", s.handleMetrics)

	v1 := e.Group("/api/v1/deid")
	v1.POST("/scrub", s.handleScrub)
	v1.POST("/reinject", s.handleReInject)
	v1.POST("/complete", s.handleComplete)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)
	return e
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Infof("listen", "Listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.echo.StartServer(srv)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
