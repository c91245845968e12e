// Package server implements the HTTP handlers and routing for the LuluTracker service.
// It provides RESTful endpoints for pets, location reports and notifications with JWT
// authentication, schema validation, and a websocket stream carrying each session's
// notification state.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/feed"
	"github.com/Million1701/Lulutracker-sub000/internal/geo"
	"github.com/Million1701/Lulutracker-sub000/internal/identity"
	"github.com/Million1701/Lulutracker-sub000/internal/jwks"
	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/notifications"
	"github.com/Million1701/Lulutracker-sub000/internal/pets"
	"github.com/Million1701/Lulutracker-sub000/internal/realtime"
	"github.com/Million1701/Lulutracker-sub000/internal/reports"
	"github.com/Million1701/Lulutracker-sub000/internal/schema"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxBodyBytes = 64 << 10 // Upper bound on JSON request bodies
)

var tracer = otel.Tracer("lulutracker/server")

// authMode selects how withMiddleware treats credentials.
type authMode int

const (
	authNone     authMode = iota // Public endpoint
	authRequired                 // Owner endpoint
)

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Store       storage.Store
	Broker      feed.Subscriber   // Change feed the notification stream subscribes to
	Validator   *schema.Validator // Compiled payload schemas; created when nil
	JWKS        *jwks.Client
	JWTIssuer   string
	JWTAudience string
	Identity    *identity.Client // Optional email lookup for tokens without one
	Photos      pets.PhotoSigner // Optional; photo uploads answer 501 without it
	Geocoder    geo.Geocoder     // Optional reverse geocoder for submissions

	PublicBaseURL      string
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
	Realtime           realtime.Config
	PollInterval       time.Duration // Per-session notification refresh
}

// Mux handles HTTP requests for the LuluTracker service.
type Mux struct {
	mux           *http.ServeMux
	s             storage.Store
	broker        feed.Subscriber
	id            *identity.Client
	jwksClient    *jwks.Client
	jwtIssuer     string
	jwtAudience   string
	validator     *schema.Validator
	pets          *pets.Service
	reports       *reports.Service
	reconciler    *reports.Reconciler
	notifications *notifications.Service
	metrics       *metrics.Metrics

	realtimeCfg  realtime.Config
	pollInterval time.Duration

	corsAllowedOrigins []string
}

// NewMux creates a new HTTP mux with all LuluTracker endpoints.
func NewMux(d Deps) *http.ServeMux {
	validator := d.Validator
	if validator == nil {
		var err error
		if validator, err = schema.NewValidator(); err != nil {
			slog.Error("failed to initialize schema validator", "error", err)
			os.Exit(1)
		}
	}
	if d.JWKS == nil {
		d.JWKS = jwks.NewClient(strings.TrimRight(d.JWTIssuer, "/") + "/.well-known/jwks.json")
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		s:                  d.Store,
		broker:             d.Broker,
		id:                 d.Identity,
		jwksClient:         d.JWKS,
		jwtIssuer:          d.JWTIssuer,
		jwtAudience:        d.JWTAudience,
		validator:          validator,
		pets:               pets.NewService(d.Store, validator, d.Photos, d.PublicBaseURL),
		reports:            reports.NewService(d.Store, validator, d.Geocoder),
		reconciler:         reports.NewReconciler(d.Store),
		notifications:      notifications.NewService(d.Store),
		metrics:            metrics.NewMetrics(),
		realtimeCfg:        d.Realtime,
		pollInterval:       d.PollInterval,
		corsAllowedOrigins: d.CORSAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Pets
	m.route("POST /v1/pets", authRequired, m.handleRegisterPet)
	m.route("GET /v1/pets", authRequired, m.handleListPets)
	m.route("PUT /v1/pets/{petId}/status", authRequired, m.handleUpdatePetStatus)
	m.route("POST /v1/pets/{petId}/photo", authRequired, m.handlePhotoUpload)

	// Finder pages
	m.route("GET /v1/public/pets/{code}", authNone, m.handlePublicProfile)
	m.route("POST /v1/public/pets/{petId}/reports", authNone, m.handleSubmitReport)

	// Reports
	m.route("GET /v1/pets/{petId}/reports", authRequired, m.handleListPetReports)
	m.route("GET /v1/pets/{petId}/reports/pending", authRequired, m.handlePendingCount)
	m.route("GET /v1/reports", authRequired, m.handleListReports)
	m.route("PATCH /v1/reports/{reportId}", authRequired, m.handleUpdateReport)
	m.route("DELETE /v1/reports/{reportId}", authRequired, m.handleDeleteReport)

	// Notifications
	m.route("GET /v1/notifications", authRequired, m.handleListNotifications)
	m.route("GET /v1/notifications/unread", authRequired, m.handleUnreadCount)
	m.route("POST /v1/notifications/read", authRequired, m.handleMarkAllRead)
	m.route("POST /v1/notifications/{id}/read", authRequired, m.handleMarkRead)
	m.route("DELETE /v1/notifications/read", authRequired, m.handleDeleteRead)
	m.route("DELETE /v1/notifications/{id}", authRequired, m.handleDeleteNotification)
	m.route("GET /v1/notifications/stream", authRequired, m.handleStream)

	// CORS preflight for every API path
	m.mux.HandleFunc("OPTIONS /v1/", m.withMiddleware(authNone, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	return m.mux
}

func (m *Mux) route(pattern string, auth authMode, h http.HandlerFunc) {
	m.mux.HandleFunc(pattern, m.withMiddleware(auth, h))
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// withMiddleware applies CORS, correlation IDs, authentication, tracing, request
// logging and metrics to a handler.
func (m *Mux) withMiddleware(auth authMode, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		w.Header().Set("X-Correlation-Id", correlationID)

		ctx, span := tracer.Start(ctx, r.Method+" "+r.Pattern)
		defer span.End()
		r = r.WithContext(ctx)

		var reqErr error
		defer func() {
			duration := time.Since(start)
			status := strconv.Itoa(rec.status)
			m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.Pattern, status).Inc()
			m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.Pattern, status).Observe(duration.Seconds())
			m.logRequest(r, rec.status, duration, correlationID, reqErr)
		}()

		if auth == authRequired {
			user, err := m.authenticate(r)
			if err != nil {
				reqErr = err
				m.writeErr(rec, r, err)
				return
			}
			r = r.WithContext(identity.WithUser(r.Context(), user))
		}

		h(rec, r)
	}
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authenticate validates the bearer token and yields the session user. Websocket
// clients may pass the token as the access_token query parameter instead.
func (m *Mux) authenticate(r *http.Request) (model.User, error) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return model.User{}, lterrors.New(lterrors.LT_AUTHN, "invalid Authorization header format", "")
		}
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else if r.URL.Path == "/v1/notifications/stream" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return model.User{}, lterrors.New(lterrors.LT_AUTHN, "missing Authorization header", "")
	}

	claims, err := m.jwksClient.ValidateJWT(r.Context(), token, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		switch {
		case errors.Is(err, jwks.ErrExpired):
			return model.User{}, lterrors.Wrap(lterrors.LT_JWT_EXPIRED, "JWT token expired", err)
		case errors.Is(err, jwks.ErrMalformed):
			return model.User{}, lterrors.Wrap(lterrors.LT_JWT_MALFORMED, "malformed JWT", err)
		default:
			return model.User{}, lterrors.Wrap(lterrors.LT_JWT_INVALID, "invalid JWT", err)
		}
	}

	user := model.User{ID: claims.Subject, Email: claims.Email}
	if user.Email == "" && m.id != nil {
		// Best effort; the id alone is a usable identity
		if u, err := m.id.Get(r.Context(), user.ID); err == nil {
			user.Email = u.Email
		} else {
			slog.Debug("identity lookup failed", "user_id", user.ID, "error", err)
		}
	}
	return user, nil
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the LuluTracker error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErr writes err, stamping the request's correlation ID. Errors without a
// code are reported as internal without leaking their text.
func (m *Mux) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	e, ok := lterrors.As(err)
	if !ok {
		slog.Error("unclassified handler error", "error", err, "correlation_id", correlationID)
		e = lterrors.New(lterrors.LT_INTERNAL, "Something went wrong.", "")
	} else if cause := e.Cause(); cause != "" && e.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("request failed", "code", e.Code, "cause", cause, "correlation_id", correlationID)
	}
	e = e.WithCorrelationID(correlationID)
	m.writeError(w, e.HTTPStatus, string(e.Code), e.Message, e.CorrelationID, e.Details)
}

// readBody reads a bounded JSON request body.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, lterrors.Wrap(lterrors.LT_BAD_REQUEST, "The request body could not be read.", err)
	}
	if len(body) > maxBodyBytes {
		return nil, lterrors.New(lterrors.LT_BAD_REQUEST, "The request body is too large.", "")
	}
	return body, nil
}

// validate checks body against the schema of kind.
func (m *Mux) validate(kind string, body []byte) error {
	if err := m.validator.Validate(kind, body); err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			return lterrors.NewWithDetails(lterrors.LT_VALIDATION, "The request is invalid.", "", ve.Fields)
		}
		return lterrors.Wrap(lterrors.LT_INTERNAL, "The request could not be checked.", err)
	}
	return nil
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if user, ok := identity.FromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("user_id", user.ID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store is reachable
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.s.Ping(ctx); err != nil {
		slog.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
