package records

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"

	"github.com/alanbriolat/video-library/internal/library"
	"github.com/alanbriolat/video-library/internal/repair"
)

type (
	ListRequest struct {
		Q        string `query:"q"`
		Platform string `query:"platform"`
		Uploader string `query:"uploader"`
		Limit    int    `query:"limit" validate:"min=0,max=500"`
		Offset   int    `query:"offset" validate:"min=0"`
	}

	// Dto is the JSON form of a library record.
	Dto struct {
		ID              string     `json:"id"`
		SourceURL       string     `json:"source_url"`
		ContentHash     string     `json:"content_hash"`
		FilePath        string     `json:"file_path"`
		FileSize        int64      `json:"file_size"`
		DurationSeconds float64    `json:"duration_seconds"`
		Codec           string     `json:"codec"`
		Resolution      string     `json:"resolution"`
		Title           string     `json:"title"`
		Uploader        string     `json:"uploader"`
		Platform        string     `json:"platform"`
		VideoID         string     `json:"video_id"`
		UploadDate      *time.Time `json:"upload_date"`
		ViewCount       int64      `json:"view_count"`
		CreatedAt       time.Time  `json:"created_at"`
		UpdatedAt       time.Time  `json:"updated_at"`
	}

	RepairResponse struct {
		Record  *Dto `json:"record"`
		Changed bool `json:"changed"`
	}

	RepairAllResponse struct {
		Changed int      `json:"changed"`
		Errors  []string `json:"errors"`
	}

	Store interface {
		List(ctx context.Context, q library.Query) ([]library.Record, error)
		Get(ctx context.Context, id library.RecordID) (*library.Record, error)
		Delete(ctx context.Context, id library.RecordID) error
	}

	Maintainer interface {
		RepairRecord(ctx context.Context, id library.RecordID) (*library.Record, bool, error)
		RepairAll(ctx context.Context) (int, error)
	}

	Controller struct {
		store      Store
		maintainer Maintainer
		libraryDir string
	}
)

func New(store Store, maintainer Maintainer, libraryDir string) *Controller {
	return &Controller{store: store, maintainer: maintainer, libraryDir: libraryDir}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("", controller.list)
	eg.POST("/repair", controller.repairAll)
	eg.GET("/:id", controller.get)
	eg.DELETE("/:id", controller.delete)
	eg.GET("/:id/file", controller.file)
	eg.POST("/:id/repair", controller.repair)
}

func (controller *Controller) list(ec echo.Context) error {
	var request ListRequest
	if err := ec.Bind(&request); err != nil {
		return err
	}
	if err := ec.Validate(&request); err != nil {
		return err
	}

	records, err := controller.store.List(ec.Request().Context(), library.Query{
		Text:     request.Q,
		Platform: request.Platform,
		Uploader: request.Uploader,
		Limit:    request.Limit,
		Offset:   request.Offset,
	})
	if err != nil {
		return err
	}
	dtos := make([]*Dto, len(records))
	for k := range records {
		dtos[k] = NewDto(&records[k])
	}
	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	record, err := controller.store.Get(ec.Request().Context(), ec.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return ec.JSON(http.StatusOK, NewDto(record))
}

// delete soft-deletes the record. The file stays on disk, and the URL may be archived again afterwards.
func (controller *Controller) delete(ec echo.Context) error {
	if err := controller.store.Delete(ec.Request().Context(), ec.Param("id")); err != nil {
		return httpError(err)
	}
	return ec.NoContent(http.StatusNoContent)
}

func (controller *Controller) repair(ec echo.Context) error {
	record, changed, err := controller.maintainer.RepairRecord(ec.Request().Context(), ec.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return ec.JSON(http.StatusOK, RepairResponse{Record: NewDto(record), Changed: changed})
}

// repairAll sweeps the whole library. Per-record failures are reported in the body rather than failing the request.
func (controller *Controller) repairAll(ec echo.Context) error {
	changed, err := controller.maintainer.RepairAll(ec.Request().Context())
	response := RepairAllResponse{Changed: changed, Errors: []string{}}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			response.Errors = append(response.Errors, e.Error())
		}
	} else if err != nil {
		return err
	}
	return ec.JSON(http.StatusOK, response)
}

// file streams the record's media file, with range support.
func (controller *Controller) file(ec echo.Context) error {
	record, err := controller.store.Get(ec.Request().Context(), ec.Param("id"))
	if err != nil {
		return httpError(err)
	}
	f, err := os.Open(filepath.Join(controller.libraryDir, record.FilePath))
	if errors.Is(err, os.ErrNotExist) {
		return echo.NewHTTPError(http.StatusNotFound, "file missing from library")
	} else if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	http.ServeContent(ec.Response(), ec.Request(), filepath.Base(record.FilePath), info.ModTime(), f)
	return nil
}

func NewDto(r *library.Record) *Dto {
	return &Dto{
		ID:              r.ID,
		SourceURL:       r.SourceURL,
		ContentHash:     r.ContentHash,
		FilePath:        r.FilePath,
		FileSize:        r.FileSize,
		DurationSeconds: r.DurationSeconds,
		Codec:           r.Codec,
		Resolution:      r.Resolution,
		Title:           r.Title,
		Uploader:        r.Uploader,
		Platform:        r.Platform,
		VideoID:         r.VideoID,
		UploadDate:      r.UploadDate,
		ViewCount:       r.ViewCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func httpError(err error) error {
	switch {
	case errors.Is(err, library.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, library.ErrDuplicateRecord):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, repair.ErrRepairFailed):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return err
	}
}
