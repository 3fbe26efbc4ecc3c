package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"casefile/internal/domain"
	"casefile/internal/engine"
	"casefile/internal/engine/auth"
	"casefile/internal/metrics"
	"casefile/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// LookupMax attempts per client within LookupWindow on the public endpoints.
	LookupMax    int
	LookupWindow time.Duration
	Now          func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid case transition closed -> open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"closed\",\"to\":\"open\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the casefile API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema failures are caller errors
			status = http.StatusBadRequest
			var details map[string]any
			if len(errs) > 0 {
				details = map[string]any{"errors": errs}
			}
			return newAPIError(status, "validation_failed", msg, details)
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	log := cfg.Log.With().Str("component", "http").Logger()
	limiter := newThrottle(cfg.LookupMax, cfg.LookupWindow)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(withClientIP)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("casefile API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerLookup(group, cfg.Engine, limiter, cfg.Metrics)
	registerLogin(group, cfg.Auth, limiter, cfg.Metrics, cfg.Now)
	registerCases(group, cfg.Engine)
	registerCaseStatus(group, cfg.Engine)
	registerNotes(group, cfg.Engine)
	registerSigning(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs one line per request and puts the logger on the
// request context for handlers.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": verr.Field})
	}
	if errors.Is(err, engine.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var terr *engine.TransitionError
	if errors.As(err, &terr) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": terr.From, "to": terr.To})
	}
	if errors.Is(err, engine.ErrAlreadySigned) {
		return newAPIError(http.StatusConflict, "already_signed", err.Error(), nil)
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("request failed")
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "too_many_requests"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):      true,
		path.Join(basePath, "lookup"):      true,
		path.Join(basePath, "admin/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLookup(api huma.API, e engine.Engine, limiter *throttle, m *metrics.Metrics) {
	huma.Register(api, huma.Operation{
		OperationID: "lookup-case",
		Method:      http.MethodPost,
		Path:        "/lookup",
		Summary:     "Public case lookup by ID document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body LookupRequest `json:"body"`
	}) (*struct {
		Body domain.PublicCase `json:"body"`
	}, error) {
		if !limiter.allow("lookup:" + clientIP(ctx)) {
			m.IncrementThrottled()
			return nil, newAPIError(http.StatusTooManyRequests, "too_many_requests", "too many lookups; try again later", nil)
		}
		c, err := e.LookupByDocument(ctx, input.Body.Document)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "no record found", nil)
			}
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.PublicCase `json:"body"`
		}{Body: c.Public()}, nil
	})
}

func registerLogin(api huma.API, authCfg AuthConfig, limiter *throttle, m *metrics.Metrics, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-login",
		Method:      http.MethodPost,
		Path:        "/admin/login",
		Summary:     "Exchange the admin secret for a session token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if !limiter.allow("login:" + clientIP(ctx)) {
			m.IncrementThrottled()
			return nil, newAPIError(http.StatusTooManyRequests, "too_many_requests", "too many attempts; try again later", nil)
		}
		if err := authCfg.Verifier.Verify(input.Body.Password); err != nil {
			if errors.Is(err, auth.ErrNotConfigured) {
				return nil, newAPIError(http.StatusServiceUnavailable, "admin_disabled", "admin access is not configured", nil)
			}
			zerolog.Ctx(ctx).Warn().Str("client_ip", clientIP(ctx)).Msg("admin login rejected")
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		token, exp, err := signAdminToken(authCfg.JWTSecret, authCfg.SessionTTL, now())
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})
}

type casePath struct {
	CaseID string `path:"case_id"`
}

type caseOutput struct {
	Body CaseResponse `json:"body"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Register a new case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*caseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			ClientName:       input.Body.ClientName,
			ClientIDDocument: input.Body.ClientIDDocument,
			DocumentType:     input.Body.DocumentType,
			ClaimType:        input.Body.ClaimType,
			RespondentEntity: input.Body.RespondentEntity,
			Amount:           input.Body.Amount,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,in_progress,pending_signature,signed,closed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		items, err := e.ListCases(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: paginatedCases{Items: mapCases(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *casePath) (*caseOutput, error) {
		c, err := e.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-snapshot",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/snapshot",
		Summary:     "Contract data snapshot",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purge-case",
		Method:        http.MethodDelete,
		Path:          "/cases/{case_id}",
		Summary:       "Hard-delete a case and its notes",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *casePath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PurgeCase(ctx, input.CaseID, actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return nil, nil
	})
}

func registerCaseStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-case-status",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/status",
		Summary:     "Advance case status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CaseID string        `path:"case_id"`
		Body   StatusRequest `json:"body"`
	}) (*caseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AdvanceStatus(ctx, input.CaseID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-case-status",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/status/force",
		Summary:     "Override case status (audited)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CaseID string             `path:"case_id"`
		Body   ForceStatusRequest `json:"body"`
	}) (*caseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ForceStatus(ctx, input.CaseID, input.Body.Status, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})
}

func registerNotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-note",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/notes",
		Summary:       "Append a progress note",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CaseID string      `path:"case_id"`
		Body   NoteRequest `json:"body"`
	}) (*struct {
		Body domain.ProgressNote `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.AppendProgressNote(ctx, input.CaseID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.ProgressNote `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notes",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/notes",
		Summary:     "List progress notes, oldest first",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body paginatedNotes `json:"body"`
	}, error) {
		notes, err := e.ListProgressNotes(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if notes == nil {
			notes = []domain.ProgressNote{}
		}
		return &struct {
			Body paginatedNotes `json:"body"`
		}{Body: paginatedNotes{Items: notes}}, nil
	})
}

func registerSigning(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attach-signed-document",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/signed-document",
		Summary:     "Attach a signed contract reference",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   SignedDocumentRequest `json:"body"`
	}) (*caseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AttachSignedDocument(ctx, input.CaseID, input.Body.DocumentRef, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "upload-signed-document",
		Method:       http.MethodPut,
		Path:         "/cases/{case_id}/signed-document/upload",
		Summary:      "Upload the signed contract PDF",
		MaxBodyBytes: 20 << 20,
		Errors:       []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CaseID  string `path:"case_id"`
		RawBody []byte
	}) (*caseOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AttachSignedUpload(ctx, input.CaseID, input.RawBody, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"case,workspace"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
