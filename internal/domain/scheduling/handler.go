package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/auth"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
	"github.com/LPredmore/fieldflow-client-connect-sub002/pkg/pagination"
)

// TimestampFormatter renders an instant with a Postgres to_char pattern.
type TimestampFormatter interface {
	Format(ctx context.Context, ts time.Time, zone, pattern string) (string, error)
}

type Handler struct {
	svc       *Service
	generator Materializer
	formatter TimestampFormatter
}

// NewHandler wires the REST API. generator backs the function endpoint and
// is always the in-process Generator, whatever materializer svc uses.
func NewHandler(svc *Service, generator Materializer, formatter TimestampFormatter) *Handler {
	return &Handler{svc: svc, generator: generator, formatter: formatter}
}

func (h *Handler) RegisterRoutes(api *echo.Group, functions *echo.Group) {
	// Read endpoints: admin, clinician, staff, billing
	readGroup := api.Group("", auth.RequireRole("admin", "clinician", "staff", "billing"))
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/appointment-series", h.ListSeries)
	readGroup.GET("/appointment-series/:id", h.GetSeries)
	readGroup.GET("/appointment-series/:id/exceptions", h.ListExceptions)
	readGroup.GET("/calendar", h.Calendar)
	readGroup.GET("/calendar.ics", h.CalendarICS)
	readGroup.POST("/timezone/format", h.FormatTimestamp)

	// Write endpoints: admin, clinician, staff
	writeGroup := api.Group("", auth.RequireRole("admin", "clinician", "staff"))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.PUT("/appointments/:id", h.UpdateAppointment)
	writeGroup.DELETE("/appointments/:id", h.DeleteAppointment)
	writeGroup.POST("/appointment-series", h.CreateSeries)
	writeGroup.PATCH("/appointment-series/:id", h.UpdateSeries)
	writeGroup.DELETE("/appointment-series/:id", h.DeleteSeries)
	writeGroup.POST("/appointment-series/:id/deactivate", h.DeactivateSeries)
	writeGroup.POST("/appointment-series/:id/materialize", h.MaterializeSeries)

	if functions != nil {
		fn := functions.Group("", auth.RequireRole("admin", "clinician", "staff", "service"))
		fn.POST("/"+GenerateOccurrencesFunction, h.GenerateOccurrences)
	}
}

// -- Envelope --

type envelope struct {
	OK      bool       `json:"ok"`
	Data    any        `json:"data,omitempty"`
	Warning *errorBody `json:"warning,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{OK: true, Data: data})
}

// classify maps a service error to its status and kind.
func classify(err error) (int, string) {
	var (
		ite *timezone.InvalidTimeError
		ve  *ValidationError
		be  *BackendError
	)
	switch {
	case errors.As(err, &ite):
		return http.StatusUnprocessableEntity, "invalid_time"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &be):
		return http.StatusBadGateway, "backend"
	}
	return http.StatusInternalServerError, "internal"
}

func fail(c echo.Context, err error) error {
	status, kind := classify(err)
	return c.JSON(status, envelope{Error: &errorBody{Kind: kind, Message: err.Error()}})
}

func badRequest(c echo.Context, field, msg string) error {
	return fail(c, &ValidationError{Field: field, Message: msg})
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, &ValidationError{Field: "id", Message: "invalid id"}
	}
	return id, nil
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in CreateAppointmentInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), &in)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	v, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, v)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	q, err := viewQueryFromRequest(c)
	if err != nil {
		return fail(c, err)
	}
	q.Limit, q.Offset = pg.Limit, pg.Offset

	items, total, err := h.svc.ListAppointments(c.Request().Context(), q)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	scope, err := ParseScope(c.QueryParam("scope"))
	if err != nil {
		return fail(c, err)
	}
	var edit OccurrenceEdit
	if err := c.Bind(&edit); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	res, err := h.svc.EditOccurrence(c.Request().Context(), id, scope, &edit)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, res)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	scope, err := ParseScope(c.QueryParam("scope"))
	if err != nil {
		return fail(c, err)
	}
	res, err := h.svc.DeleteOccurrence(c.Request().Context(), id, scope)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, res)
}

// -- Series --

func (h *Handler) CreateSeries(c echo.Context) error {
	var in CreateSeriesInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	ctx := c.Request().Context()
	res, err := h.svc.CreateSeries(ctx, &in, auth.UserIDFromContext(ctx))
	if err != nil {
		return fail(c, err)
	}

	body := envelope{OK: true, Data: res}
	if res.Warning != nil {
		body.Warning = &errorBody{Kind: res.Warning.Kind(), Message: res.Warning.Error()}
	}
	return c.JSON(http.StatusCreated, body)
}

func (h *Handler) ListSeries(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))
	items, total, err := h.svc.ListSeries(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSeries(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	s, err := h.svc.GetSeries(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, s)
}

func (h *Handler) UpdateSeries(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	s, err := h.svc.UpdateSeries(c.Request().Context(), id, patch)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, s)
}

func (h *Handler) DeleteSeries(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	if err := h.svc.DeleteSeries(c.Request().Context(), id); err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (h *Handler) DeactivateSeries(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	res, err := h.svc.DeactivateSeries(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, res)
}

func (h *Handler) MaterializeSeries(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	var req MaterializeRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "", "invalid request body")
		}
	}
	req.SeriesID = id

	created, err := h.svc.MaterializeSeries(c.Request().Context(), req)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, MaterializeResponse{Generated: GeneratedCount{Created: created}})
}

func (h *Handler) ListExceptions(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return fail(c, err)
	}
	items, err := h.svc.ListExceptions(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, items)
}

// -- Calendar --

func (h *Handler) Calendar(c echo.Context) error {
	q, err := viewQueryFromRequest(c)
	if err != nil {
		return fail(c, err)
	}
	if q.Joins == nil {
		q.Joins = AllJoins
	}
	entries, err := h.svc.Calendar(c.Request().Context(), q, c.QueryParam("zone"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, entries)
}

func (h *Handler) CalendarICS(c echo.Context) error {
	q, err := viewQueryFromRequest(c)
	if err != nil {
		return fail(c, err)
	}
	q.Joins = AllJoins
	body, err := h.svc.ICS(c.Request().Context(), q, c.QueryParam("name"))
	if err != nil {
		return fail(c, err)
	}
	return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
}

type formatRequest struct {
	Timestamp     time.Time `json:"timestamp"`
	TimeZone      string    `json:"timezone"`
	FormatPattern string    `json:"format_pattern"`
}

func (h *Handler) FormatTimestamp(c echo.Context) error {
	var req formatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	if req.Timestamp.IsZero() {
		return badRequest(c, "timestamp", "is required")
	}
	out, err := h.formatter.Format(c.Request().Context(), req.Timestamp, req.TimeZone, req.FormatPattern)
	if err != nil {
		switch {
		case errors.Is(err, timezone.ErrUnknownZone):
			return badRequest(c, "timezone", err.Error())
		case errors.Is(err, timezone.ErrEmptyPattern):
			return badRequest(c, "format_pattern", err.Error())
		}
		return fail(c, backendErr("format timestamp", err))
	}
	return ok(c, http.StatusOK, map[string]string{"formatted": out})
}

// -- Function endpoint --

// GenerateOccurrences speaks the function wire format: a bare
// {"generated":{"created":N}} on success and {"error":"..."} on failure.
func (h *Handler) GenerateOccurrences(c echo.Context) error {
	var req MaterializeRequest
	if err := c.Bind(&req); err != nil || req.SeriesID == uuid.Nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "seriesId is required"})
	}
	created, err := h.generator.Materialize(c.Request().Context(), req)
	if err != nil {
		status, _ := classify(err)
		if status == http.StatusBadGateway {
			status = http.StatusInternalServerError
		}
		return c.JSON(status, map[string]string{"error": backendErr("materialize", err).Error()})
	}
	return c.JSON(http.StatusOK, MaterializeResponse{Generated: GeneratedCount{Created: created}})
}

// viewQueryFromRequest reads the shared read-model filters.
func viewQueryFromRequest(c echo.Context) (ViewQuery, error) {
	var q ViewQuery
	var err error

	for param, dst := range map[string]**uuid.UUID{
		"client_id": &q.ClientID,
		"staff_id":  &q.StaffID,
		"series_id": &q.SeriesID,
	} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, &ValidationError{Field: param, Message: "invalid id"}
		}
		*dst = &id
	}

	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			if !validStatuses[st] {
				return q, &ValidationError{Field: "status", Message: "unknown status " + st}
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	if q.From, err = timeParam(c, "from"); err != nil {
		return q, err
	}
	if q.To, err = timeParam(c, "to"); err != nil {
		return q, err
	}
	q.IncludeCancelled, _ = strconv.ParseBool(c.QueryParam("include_cancelled"))
	if q.Joins, err = ParseJoins(c.QueryParam("include")); err != nil {
		return q, err
	}
	return q, nil
}

func timeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &ValidationError{Field: name, Message: "must be an RFC 3339 timestamp"}
	}
	return &t, nil
}
