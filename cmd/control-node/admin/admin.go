// Package admin exposes the control node's read-only operational HTTP
// surface: health, live status, whether a rule base version is Active, and
// Prometheus metrics. It never accepts a request that could mutate token
// or rule state; everything a workflow actually does moves over the UDP
// protocols, not this surface.
package admin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/control-node/cmd/control-node/forkjoin"
	"github.com/lyzr/control-node/cmd/control-node/ruledist"
	"github.com/lyzr/control-node/cmd/control-node/scheduler"
	"github.com/lyzr/control-node/common/logger"
	cnmiddleware "github.com/lyzr/control-node/common/middleware"
	limiterpkg "github.com/lyzr/control-node/common/ratelimit"
)

// Server wraps an Echo instance exposing the admin surface.
type Server struct {
	echo *echo.Echo
	log  *logger.Logger
}

// Deps bundles the node components the admin surface reports on.
type Deps struct {
	ServiceName string
	Rules       *ruledist.Agent
	Scheduler   *scheduler.Scheduler
	Coordinator *forkjoin.Coordinator
	Limiter     *limiterpkg.Limiter
	RateLimit   int64
	RateWindow  int
}

// New builds the admin Echo server and registers its routes.
func New(log *logger.Logger, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	// google/uuid in place of echo's default request-id generator so admin
	// request ids are globally unique across control nodes, not just
	// process-locally unique.
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if deps.Limiter != nil {
		e.Use(cnmiddleware.GlobalRateLimitMiddleware(deps.Limiter, deps.RateLimit, deps.RateWindow))
	}

	s := &Server{echo: e, log: log}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": deps.ServiceName,
		})
	})

	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"service":          deps.ServiceName,
			"queue_depth":      deps.Scheduler.Len(),
			"queue_bands":      deps.Scheduler.BandDepths(),
			"join_records_open": deps.Coordinator.OpenCount(),
		})
	})

	e.GET("/rulebase/:version", func(c echo.Context) error {
		var version uint64
		if _, err := fmt.Sscanf(c.Param("version"), "%d", &version); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid version"})
		}
		rb, ok := deps.Rules.Snapshot(version)
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "rule base version not active"})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"version": rb.Version,
			"active":  true,
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Start runs the admin server until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		_ = s.echo.Shutdown(context.Background())
	}()
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
