// Package httpapi exposes a running session controller over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"voicestream/internal/domain"
	"voicestream/internal/usecase"
)

const shutdownTimeout = 5 * time.Second

// Controller is the session surface the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset()
	State() domain.SessionState
	Transcripts() []domain.Transcript
	Mode() domain.Mode
}

// Speaker plays synthesized speech.
type Speaker interface {
	Say(ctx context.Context, text string) error
}

type Handlers struct {
	Controller Controller
	Speaker    Speaker
}

type transcriptsResponse struct {
	Mode        domain.Mode         `json:"mode"`
	Transcripts []domain.Transcript `json:"transcripts"`
}

type errorResponse struct {
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
}

type sayRequest struct {
	Text string `json:"text"`
}

// New builds the echo instance with all routes registered.
func New(h Handlers) *echo.Echo {
	logger := slog.Default().With("component", "httpapi")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	h.Register(e)
	return e
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/v1/session", h.state)
	e.POST("/v1/session/start", h.start)
	e.POST("/v1/session/stop", h.stop)
	e.POST("/v1/session/reset", h.reset)
	e.GET("/v1/transcripts", h.transcripts)
	if h.Speaker != nil {
		e.POST("/v1/say", h.say)
	}
}

func (h Handlers) state(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Controller.State())
}

func (h Handlers) start(c echo.Context) error {
	if err := h.Controller.Start(c.Request().Context()); err != nil {
		return startError(c, err)
	}
	return c.JSON(http.StatusOK, h.Controller.State())
}

func (h Handlers) stop(c echo.Context) error {
	if err := h.Controller.Stop(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Code: domain.ErrorCodeTeardown, Message: err.Error()})
	}
	return c.JSON(http.StatusOK, h.Controller.State())
}

func (h Handlers) reset(c echo.Context) error {
	h.Controller.Reset()
	return c.JSON(http.StatusOK, h.Controller.State())
}

func (h Handlers) transcripts(c echo.Context) error {
	transcripts := h.Controller.Transcripts()
	if transcripts == nil {
		transcripts = []domain.Transcript{}
	}
	return c.JSON(http.StatusOK, transcriptsResponse{Mode: h.Controller.Mode(), Transcripts: transcripts})
}

func (h Handlers) say(c echo.Context) error {
	var req sayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if err := h.Speaker.Say(c.Request().Context(), req.Text); err != nil {
		return c.JSON(http.StatusBadGateway, errorResponse{Message: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func startError(c echo.Context, err error) error {
	var sessionErr *usecase.SessionError
	switch {
	case errors.Is(err, domain.ErrBusy):
		return c.JSON(http.StatusConflict, errorResponse{Message: "a session is already running"})
	case errors.Is(err, usecase.ErrStartCancelled):
		return c.JSON(http.StatusConflict, errorResponse{Message: "session start was cancelled"})
	case errors.As(err, &sessionErr):
		status := http.StatusBadGateway
		if sessionErr.Code == domain.ErrorCodePermission {
			status = http.StatusForbidden
		}
		return c.JSON(status, errorResponse{Code: sessionErr.Code, Message: sessionErr.Message})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}
}

// Serve runs e on addr until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
