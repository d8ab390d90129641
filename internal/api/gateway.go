// Package api serves the JSON API over the job queue and the library.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library/internal/api/jobs"
	"github.com/alanbriolat/video-library/internal/api/records"
)

const Prefix = "/api/v1"

type (
	Config struct {
		HostAddr   string
		LibraryDir string
	}

	HealthResponse struct {
		Status string `json:"status"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	JobService interface {
		jobs.Service
		EventSource
	}

	// Gateway is a thin wrapper around the echo router, plus the activity websocket.
	Gateway struct {
		config            Config
		ec                *echo.Echo
		activity          *activityHub
		jobsController    controller
		recordsController controller
		log               *zap.SugaredLogger
	}

	requestValidator struct {
		validate *validator.Validate
	}
)

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func NewGateway(config Config, jobService JobService, store records.Store, maintainer records.Maintainer) *Gateway {
	log := zap.S().Named("api")
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Debugf("registered route %s %s", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true
	ec.Validator = &requestValidator{validate: validator.New()}

	gateway := &Gateway{
		config:            config,
		ec:                ec,
		activity:          newActivityHub(jobService),
		jobsController:    jobs.New(jobService),
		recordsController: records.New(store, maintainer, config.LibraryDir),
		log:               log,
	}

	ec.Pre(middleware.RemoveTrailingSlash())
	ec.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			l := log.With("method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			if v.Error != nil {
				l.Infow("request failed", "error", v.Error)
			} else {
				l.Debug("request")
			}
			return nil
		},
	}))
	ec.Use(middleware.Recover())

	ec.GET(Prefix+"/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	})
	ec.GET(Prefix+"/activity/ws", func(c echo.Context) error {
		gateway.activity.serve(c.Response(), c.Request())
		return nil
	})
	gateway.jobsController.SetRoutes(ec.Group(Prefix + "/jobs"))
	gateway.recordsController.SetRoutes(ec.Group(Prefix + "/records"))

	return gateway
}

// Handler exposes the router, e.g. for httptest.
func (gateway *Gateway) Handler() http.Handler {
	return gateway.ec
}

// Run serves until ctx is cancelled or the listener fails.
func (gateway *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		gateway.log.Infof("listening on %v", gateway.config.HostAddr)
		errCh <- gateway.ec.Start(gateway.config.HostAddr)
	}()

	select {
	case err := <-errCh:
		gateway.activity.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Websocket connections are hijacked, so Shutdown doesn't wait for them
	gateway.activity.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gateway.ec.Shutdown(shutdownCtx); err != nil {
		gateway.log.Warnf("unclean shutdown: %v", err)
		_ = gateway.ec.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
