package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"milestoneline/internal/domain"
	"milestoneline/internal/engine"
	"milestoneline/internal/logger"
	"milestoneline/internal/metrics"
	"milestoneline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *logger.Logger

	// MaxBodyBytes caps request bodies; zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes is the request body cap when Config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"initiative PRJ-7 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"initiative_id\":\"PRJ-7\"}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Milestoneline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(countRequests)
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	router.Use(captureBody(maxBody))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Milestoneline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerInitiatives(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerSnapshots(group, cfg.Engine, log)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// captureBody buffers the request body so handlers can tell an empty body from
// an omitted one. Oversized bodies get 413, unreadable ones 400.
func captureBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "", fmt.Sprintf("request body exceeds %d bytes", limit), nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "unreadable_body", "could not read request body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	}
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	})
}

// newAPIError builds the error envelope. An empty code is derived from status.
func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"initiative_id": nf.InitiativeID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var su *engine.StoreUnavailableError
	if errors.As(err, &su) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "snapshot store unavailable", map[string]any{"op": su.Op})
	}
	var pc *engine.PartialCaptureError
	if errors.As(err, &pc) {
		return newAPIError(http.StatusInternalServerError, "partial_capture", err.Error(), map[string]any{
			"date": pc.Date, "expected": pc.Expected, "stored": pc.Stored,
		})
	}
	switch {
	case errors.Is(err, engine.ErrInvalidType):
		return newAPIError(http.StatusBadRequest, "invalid_type", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInitiative):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrInitiativeExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "body_too_large"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		// The snapshot store is the only dependency that can be down.
		return "store_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := swaggerHTML(basePath)
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			if oas.Components != nil && oas.Components.Schemas != nil {
				oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
			}
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// operations lists the operations registered on a path item. The API only
// uses GET, POST and PATCH.
func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Post, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	errorResponse := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Milestoneline · milestone durations API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Servers started with MILESTONELINE_JWT_SECRET expect Authorization: Bearer &lt;token&gt;;
      mint one with <code>ml auth token --perm snapshot.capture</code>. Open servers read X-Actor-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		if err := e.Repo.Ping(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", "snapshot store unavailable", nil)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Store: "ok"}}, nil
	})
}

func registerInitiatives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Type string `query:"type" doc:"Project or CR; empty lists every type"`
	}) (*struct {
		Body []domain.Initiative `json:"body"`
	}, error) {
		typ, err := engine.ParseType(input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListInitiatives(ctx, typ)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Initiative `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Create initiative",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateInitiativeRequest `json:"body"`
	}) (*struct {
		Body domain.Initiative `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := requirePermission(ctx, PermInitiativeWrite)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.CreateInitiative(ctx, engine.InitiativeCreateOptions{
			ID:        input.Body.ID,
			Type:      input.Body.Type,
			Title:     input.Body.Title,
			Milestone: domain.Milestone(input.Body.Milestone),
			Status:    input.Body.Status,
			StartDate: input.Body.StartDate,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Initiative `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Get initiative",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body domain.Initiative `json:"body"`
	}, error) {
		in, err := e.GetInitiative(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Initiative `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-initiative",
		Method:      http.MethodPatch,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Update initiative milestone, status, title or start date",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		InitiativeID string                  `path:"initiative_id"`
		Body         UpdateInitiativeRequest `json:"body"`
	}) (*struct {
		Body domain.Initiative `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, err := requirePermission(ctx, PermInitiativeWrite)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.UpdateInitiative(ctx, input.Body.options(input.InitiativeID, principal.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Initiative `json:"body"`
		}{Body: in}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "milestone-durations",
		Method:      http.MethodGet,
		Path:        "/milestones/durations",
		Summary:     "Milestone duration statistics across initiatives",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Type string `query:"type" doc:"Project or CR; empty aggregates every type"`
	}) (*struct {
		Body []domain.MilestoneSummary `json:"body"`
	}, error) {
		typ, err := engine.ParseType(input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.GetAllMilestoneDurations(ctx, typ)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MilestoneSummary `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "milestone-breakdown",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/milestones",
		Summary:     "Milestone interval history of one initiative",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body domain.MilestoneBreakdown `json:"body"`
	}, error) {
		b, err := e.GetMilestoneDurationBreakdown(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		b.Intervals = nonNilSlice(b.Intervals)
		return &struct {
			Body domain.MilestoneBreakdown `json:"body"`
		}{Body: b}, nil
	})
}

func registerSnapshots(api huma.API, e engine.Engine, log *logger.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "capture-snapshot",
		Method:      http.MethodPost,
		Path:        "/snapshots/capture",
		Summary:     "Capture today's snapshot",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.CaptureResult `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermSnapshotCapture)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.CaptureToday(ctx, principal.ActorID)
		if err != nil {
			log.Error("on-demand capture failed", "actor_id", principal.ActorID, "err", err)
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CaptureResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-snapshots",
		Method:      http.MethodGet,
		Path:        "/snapshots",
		Summary:     "List stored snapshots",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `query:"initiative_id"`
	}) (*struct {
		Body []domain.Snapshot `json:"body"`
	}, error) {
		items, err := e.ListSnapshots(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Snapshot `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snapshot-coverage",
		Method:      http.MethodGet,
		Path:        "/snapshots/coverage",
		Summary:     "Captured days and partial-day audit",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.CoverageReport `json:"body"`
	}, error) {
		report, err := e.AuditCoverage(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CoverageReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"snapshot,initiative"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, eventLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(&engine.StoreUnavailableError{Op: "list events", Err: err})
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Permissions: nonNilSlice(p.Permissions), Source: p.Source}}, nil
	})
}

// bodyBytes returns the body buffered by captureBody.
func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

func eventResponse(evt domain.Event) EventResponse {
	var payload any = map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = evt.Payload
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func eventLimit(in int) int {
	switch {
	case in <= 0:
		return defaultEventLimit
	case in > maxEventLimit:
		return maxEventLimit
	}
	return in
}
