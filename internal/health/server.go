package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"llm-trading-arena/internal/llm/llmobs"
	"llm-trading-arena/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ModelStats reports per-model reasoning statistics; *llmobs.Observer implements it.
type ModelStats interface {
	Stats() []llmobs.ModelStat
}

type Server struct {
	srv *http.Server
}

// NewRouter serves GET /healthz and GET /metrics. models may be nil.
func NewRouter(mon *Monitor, reg *prometheus.Registry, models ModelStats) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		rep := mon.Status()
		code := http.StatusOK
		if rep.Status != StatusOK {
			code = http.StatusServiceUnavailable
		}
		body := gin.H{
			"status":   rep.Status,
			"uptime":   rep.Uptime,
			"accounts": rep.Accounts,
		}
		if models != nil {
			body["models"] = models.Stats()
		}
		c.JSON(code, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return r
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in the background until Shutdown.
func (s *Server) Start(ctx context.Context) {
	go func() {
		logger.Info(ctx, "Health server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorWithErr(ctx, "Health server stopped", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
