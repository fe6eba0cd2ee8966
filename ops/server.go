// Package ops serves the operator endpoints of rentald: liveness and the
// subscription registry.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"leasechain/agreement"
	"leasechain/subscription"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry is the subscription manager surface exposed to operators.
type Registry interface {
	Streams() []subscription.StreamInfo
	AddSubscriptionsFor(ctx context.Context, agreementID string) error
	StopSubscriptionsFor(agreementID string)
}

type Server struct {
	echo     *echo.Echo
	db       Pinger
	registry Registry
	log      *slog.Logger
}

func NewServer(db Pinger, registry Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, db: db, registry: registry, log: log}
	e.GET("/healthz", s.health)
	e.GET("/subscriptions", s.subscriptions)
	e.POST("/agreements/:id/subscriptions", s.resubscribe)
	e.DELETE("/agreements/:id/subscriptions", s.unsubscribe)
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() { errc <- s.echo.Start(addr) }()
	s.log.Info("ops server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.log.Warn("health check failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "streams": len(s.registry.Streams())})
}

func (s *Server) subscriptions(c echo.Context) error {
	streams := s.registry.Streams()
	if id := c.QueryParam("agreement_id"); id != "" {
		filtered := streams[:0]
		for _, st := range streams {
			if st.AgreementID == id {
				filtered = append(filtered, st)
			}
		}
		streams = filtered
	}
	return c.JSON(http.StatusOK, streams)
}

func (s *Server) resubscribe(c echo.Context) error {
	id := c.Param("id")
	err := s.registry.AddSubscriptionsFor(c.Request().Context(), id)
	switch {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.Is(err, agreement.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "agreement not found")
	case errors.Is(err, subscription.ErrNotStarted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("resubscribe failed", "agreement_id", id, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "resubscribe failed")
	}
}

func (s *Server) unsubscribe(c echo.Context) error {
	s.registry.StopSubscriptionsFor(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}
