package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"tally/internal/anomaly"
	"tally/internal/events"
	"tally/internal/forecast"
	"tally/internal/timeseries"
)

const (
	errInvalidRequest = "Invalid request"
	errInternal       = "internal error"
	// maxReportedErrors caps the per-event errors echoed back on ingest.
	maxReportedErrors = 10
)

type TimeseriesQuerier interface {
	GetTimeseries(ctx context.Context, q timeseries.Query) (*timeseries.Result, error)
}

type AnomalyDetector interface {
	Detect(ctx context.Context, req anomaly.Request) ([]anomaly.Point, error)
}

type Forecaster interface {
	Forecast(ctx context.Context, req forecast.Request) ([]forecast.Point, error)
}

type EventIngester interface {
	Ingest(ctx context.Context, batch []events.EventInput) (*events.BatchResult, error)
}

// Handler serves the v1 query and ingest endpoints.
type Handler struct {
	Timeseries TimeseriesQuerier
	Anomalies  AnomalyDetector
	Forecasts  Forecaster
	Ingester   EventIngester
	Logger     *slog.Logger
	// Timeout bounds the storage work of one request.
	Timeout time.Duration
	// Debug adds internal error detail to 500 responses.
	Debug bool
}

// CreateEventsParams is the ingest request body.
type CreateEventsParams struct {
	Events []events.EventInput `json:"events"`
}

type AnomaliesResponse struct {
	Anomalies []anomaly.Point `json:"anomalies"`
}

type ForecastResponse struct {
	Forecast    []forecast.Point `json:"forecast"`
	HorizonDays int              `json:"horizon_days"`
}

func (h *Handler) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(c.UserContext())
	}
	return context.WithTimeout(c.UserContext(), h.Timeout)
}

// TimeseriesAction handles GET /api/v1/timeseries
func (h *Handler) TimeseriesAction(c *fiber.Ctx) error {
	q, err := parseTimeseriesQuery(c)
	if err != nil {
		return h.handleError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.Timeseries.GetTimeseries(ctx, q)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(result)
}

// AnomaliesAction handles GET /api/v1/anomalies
func (h *Handler) AnomaliesAction(c *fiber.Ctx) error {
	req, err := parseAnomalyRequest(c)
	if err != nil {
		return h.handleError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	points, err := h.Anomalies.Detect(ctx, req)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(AnomaliesResponse{Anomalies: points})
}

// ForecastAction handles GET /api/v1/forecast
func (h *Handler) ForecastAction(c *fiber.Ctx) error {
	req, err := parseForecastRequest(c)
	if err != nil {
		return h.handleError(c, err)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	points, err := h.Forecasts.Forecast(ctx, req)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(ForecastResponse{Forecast: points, HorizonDays: req.HorizonDays})
}

// CreateEventsAction handles POST /api/v1/events. Partial failures still
// answer 202 with the rejected indexes.
func (h *Handler) CreateEventsAction(c *fiber.Ctx) error {
	var params CreateEventsParams
	if err := c.BodyParser(&params); err != nil {
		h.Logger.Debug("Failed to parse events request", slog.Any("error", err))
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}
	if len(params.Events) > events.MaxBatchSize {
		return h.handleError(c, events.ErrBatchTooLarge)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.Ingester.Ingest(ctx, params.Events)
	if err != nil {
		return h.handleError(c, err)
	}

	if result.Rejected > 0 {
		h.Logger.Info("Rejected events in batch",
			slog.Int("accepted", result.Accepted),
			slog.Int("rejected", result.Rejected))
	}
	if len(result.Errors) > maxReportedErrors {
		result.Errors = result.Errors[:maxReportedErrors]
	}
	return c.Status(http.StatusAccepted).JSON(result)
}

// handleError maps domain errors to responses. Anything unrecognized is a
// 500 whose detail is only shown in debug mode.
func (h *Handler) handleError(c *fiber.Ctx, err error) error {
	var paramErr *timeseries.InvalidParamError
	if errors.As(err, &paramErr) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": paramErr.Error(),
			"param": paramErr.Param,
		})
	}
	if errors.Is(err, events.ErrBatchTooLarge) {
		return c.Status(http.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
		})
	}

	h.Logger.Error("Request failed",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.Any("error", err))

	body := fiber.Map{"error": errInternal}
	if h.Debug {
		body["detail"] = err.Error()
	}
	return c.Status(http.StatusInternalServerError).JSON(body)
}

// Register mounts the v1 routes on router.
func (h *Handler) Register(router fiber.Router, auth fiber.Handler) {
	router.Post("/events", h.CreateEventsAction)
	router.Get("/timeseries", auth, h.TimeseriesAction)
	router.Get("/anomalies", auth, h.AnomaliesAction)
	router.Get("/forecast", auth, h.ForecastAction)
}
