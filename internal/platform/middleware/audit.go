package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/auth"
)

// AuditEntry records who touched which scheduling resource. Appointment data
// names clients of a mental-health practice, so every API call is logged.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Resource   string
	ResourceID string
	ClientID   string
	Action     string // read, create, update, delete
	Scope      string
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// Audit logs one "client_data_access" event per /api/v1 and /functions/v1
// request after the handler ran.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c)
			evt := logger.Info()
			if entry.StatusCode >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("client_id", entry.ClientID).
				Str("action", entry.Action).
				Str("scope", entry.Scope).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("client_data_access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	tenant, _ := c.Get("tenant_id").(string)

	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		RequestID:  requestID(c),
		TenantID:   tenant,
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Action:     httpMethodToAction(req.Method),
		Scope:      c.QueryParam("scope"),
		ClientID:   c.QueryParam("client_id"),
	}
	entry.Resource, entry.ResourceID = resourceFromPath(req.URL.Path)
	return entry
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/") || strings.HasPrefix(path, "/functions/v1/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath splits "/api/v1/appointments/<id>/..." into
// ("appointments", "<id>"). The id is only returned when it parses as a UUID.
func resourceFromPath(path string) (string, string) {
	for _, prefix := range []string{"/api/v1/", "/functions/v1/"} {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(path, prefix), "/")
		if segments[0] == "" {
			return "unknown", ""
		}
		if len(segments) > 1 {
			if _, err := uuid.Parse(segments[1]); err == nil {
				return segments[0], segments[1]
			}
		}
		return segments[0], ""
	}
	return "unknown", ""
}
