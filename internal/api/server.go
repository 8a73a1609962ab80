// Package api serves the HTTP control and monitoring surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r0bb10/rfy-mqtt-bridge/internal/shutter"
)

// Switches is the registry surface the API drives.
type Switches interface {
	Switches(ctx context.Context) ([]shutter.SwitchState, error)
	Switch(ctx context.Context, switchID string) (shutter.SwitchState, error)
	SetSwitch(ctx context.Context, switchID string, on bool) error
}

// HealthFunc reports whether a dependency is usable.
type HealthFunc func() bool

type Server struct {
	echo     *echo.Echo
	switches Switches
	mqttUp   HealthFunc
	log      *slog.Logger
}

type setRequest struct {
	On *bool `json:"on"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// MetricsRegistry builds a registry from the given collectors.
func MetricsRegistry(version string, collectors ...prometheus.Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	for _, c := range collectors {
		registry.MustRegister(c)
	}
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "rfy_bridge_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 { return 1 }))
	return registry
}

func NewServer(switches Switches, registry *prometheus.Registry, mqttUp HealthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, switches: switches, mqttUp: mqttUp, log: logger}

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	e.GET("/api/switches", s.listSwitches)
	e.GET("/api/switches/:device/:button", s.getSwitch)
	e.PUT("/api/switches/:device/:button", s.setSwitch)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info("http listening", "address", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	status := http.StatusOK
	body := map[string]string{"status": "ok", "mqtt": "connected"}
	if s.mqttUp != nil && !s.mqttUp() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["mqtt"] = "disconnected"
	}
	return c.JSON(status, body)
}

func (s *Server) listSwitches(c echo.Context) error {
	list, err := s.switches.Switches(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func switchID(c echo.Context) (string, error) {
	b, err := shutter.ParseButton(c.Param("button"))
	if err != nil {
		return "", err
	}
	return shutter.SwitchID(c.Param("device"), b), nil
}

func (s *Server) getSwitch(c echo.Context) error {
	id, err := switchID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{err.Error()})
	}
	st, err := s.switches.Switch(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) setSwitch(c echo.Context) error {
	id, err := switchID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{err.Error()})
	}

	var req setRequest
	if err := c.Bind(&req); err != nil || req.On == nil {
		return c.JSON(http.StatusBadRequest, errorResponse{`body must be {"on": true|false}`})
	}

	ctx := c.Request().Context()
	if err := s.switches.SetSwitch(ctx, id, *req.On); err != nil {
		return s.fail(c, err)
	}
	st, err := s.switches.Switch(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, st)
}

func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, shutter.ErrUnknownSwitch):
		return c.JSON(http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, shutter.ErrRegistryClosed):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{err.Error()})
	default:
		s.log.Error("api request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{err.Error()})
	}
}
