package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/station-weather/internal/weather"
)

var validate = validator.New()

// ErrorHandler renders every handler error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *weather.Service) {
	api := app.Group("/api/weather")

	api.Post("/fetch", func(c *fiber.Ctx) error {
		q, err := parseCoordinateQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		summary, err := service.FetchAndStoreForecast(c.UserContext(), q.lat, q.lon)
		if err != nil {
			return toFiberError(err, "failed to fetch forecast")
		}
		return ok(c, summary)
	})

	api.Post("/now/stations", func(c *fiber.Ctx) error {
		summary, err := service.FetchAndStoreForecastAllStations(c.UserContext())
		if err != nil {
			return toFiberError(err, "failed to fetch station forecasts")
		}
		return ok(c, summary)
	})

	api.Post("/history/stations", func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		summary, err := service.FetchAndStoreHistoricalRangeAllStations(c.UserContext(), req.Start, req.End)
		if err != nil {
			return toFiberError(err, "failed to fetch station history")
		}
		return ok(c, summary)
	})

	api.Post("/history", func(c *fiber.Ctx) error {
		q, err := parseCoordinateQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		summary, err := service.FetchAndStoreHistoricalRange(c.UserContext(), q.lat, q.lon, req.Start, req.End)
		if err != nil {
			return toFiberError(err, "failed to fetch history")
		}
		return ok(c, summary)
	})

	api.Get("/closest", func(c *fiber.Ctx) error {
		q := closestQuery{Time: c.Query("time")}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		result, err := service.ObservationsForClosestDays(c.UserContext(), q.Time)
		if err != nil {
			return toFiberError(err, "failed to load observations")
		}
		return c.JSON(result)
	})
}

// RegisterOperational adds /health and /metrics. check may be nil.
func RegisterOperational(app *fiber.App, service string, check func(ctx context.Context) error) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status":  "unavailable",
					"service": service,
					"error":   err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": service,
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// ok answers a trigger with 200 and no body. The run id goes in a header so
// callers can find the cycle in the logs.
func ok(c *fiber.Ctx, summary weather.FetchSummary) error {
	if summary.RunID != "" {
		c.Set("X-Run-Id", summary.RunID)
	}
	return c.Status(fiber.StatusOK).Send(nil)
}

// toFiberError maps domain errors to status codes. Internal failures get a
// generic message.
func toFiberError(err error, internalMsg string) error {
	switch {
	case errors.Is(err, weather.ErrInvalidRange), errors.Is(err, weather.ErrInvalidTimeOfDay):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, weather.ErrUpstreamUnavailable), errors.Is(err, weather.ErrUpstreamMalformed):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, internalMsg)
	default:
		return fiber.NewError(fiber.StatusInternalServerError, internalMsg)
	}
}

// coordinateQuery holds the raw lat/lon query parameters. They are validated
// as strings so that 0 stays a legal coordinate.
type coordinateQuery struct {
	Lat string `validate:"required,latitude"`
	Lon string `validate:"required,longitude"`

	lat, lon float64
}

func parseCoordinateQuery(c *fiber.Ctx) (coordinateQuery, error) {
	q := coordinateQuery{Lat: c.Query("lat"), Lon: c.Query("lon")}
	if err := validate.Struct(q); err != nil {
		return q, err
	}

	var err error
	if q.lat, err = strconv.ParseFloat(q.Lat, 64); err != nil {
		return q, err
	}
	if q.lon, err = strconv.ParseFloat(q.Lon, 64); err != nil {
		return q, err
	}
	return q, nil
}

// rangeQuery holds the start/end parameters of the history endpoints.
type rangeQuery struct {
	Start time.Time `validate:"required"`
	End   time.Time `validate:"required"`
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	startStr := c.Query("start")
	endStr := c.Query("end")
	if startStr == "" || endStr == "" {
		return errors.New("start and end query parameters are required")
	}

	start, err := parseTime(startStr)
	if err != nil {
		return err
	}
	end, err := parseTime(endStr)
	if err != nil {
		return err
	}

	r.Start = start
	r.End = end
	return validate.Struct(r)
}

type closestQuery struct {
	Time string `validate:"required,datetime=15:04"`
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
