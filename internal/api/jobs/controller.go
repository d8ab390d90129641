package jobs

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/alanbriolat/video-library/internal/queue"
)

type (
	SubmitRequest struct {
		URL string `json:"url" validate:"required"`
	}

	SubmitResponse struct {
		JobID queue.JobID `json:"job_id"`
	}

	ClearResponse struct {
		Removed int `json:"removed"`
	}

	// Service is the part of queue.Manager the controller needs.
	Service interface {
		Submit(ctx context.Context, url string) (queue.JobID, error)
		Cancel(ctx context.Context, id queue.JobID) error
		Get(id queue.JobID) (queue.JobView, error)
		Snapshot() []queue.JobView
		ClearFinished() int
	}

	Controller struct {
		service Service
	}
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("", controller.submit)
	eg.GET("", controller.list)
	eg.POST("/clear", controller.clear)
	eg.GET("/:id", controller.get)
	eg.DELETE("/:id", controller.cancel)
}

func (controller *Controller) submit(ec echo.Context) error {
	var request SubmitRequest
	if err := ec.Bind(&request); err != nil {
		return err
	}
	if err := ec.Validate(&request); err != nil {
		return err
	}

	id, err := controller.service.Submit(ec.Request().Context(), request.URL)
	if err != nil {
		return httpError(err)
	}
	return ec.JSON(http.StatusCreated, SubmitResponse{JobID: id})
}

// list returns every job the queue is tracking, oldest first.
func (controller *Controller) list(ec echo.Context) error {
	return ec.JSON(http.StatusOK, controller.service.Snapshot())
}

func (controller *Controller) get(ec echo.Context) error {
	view, err := controller.service.Get(queue.JobID(ec.Param("id")))
	if err != nil {
		return httpError(err)
	}
	return ec.JSON(http.StatusOK, view)
}

// cancel blocks until a running job has actually stopped, so a 204 means the job is cancelled and its workspace gone.
func (controller *Controller) cancel(ec echo.Context) error {
	if err := controller.service.Cancel(ec.Request().Context(), queue.JobID(ec.Param("id"))); err != nil {
		return httpError(err)
	}
	return ec.NoContent(http.StatusNoContent)
}

func (controller *Controller) clear(ec echo.Context) error {
	return ec.JSON(http.StatusOK, ClearResponse{Removed: controller.service.ClearFinished()})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, queue.ErrInvalidURL):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrAlreadyTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
