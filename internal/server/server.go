package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/events"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig

	// Metrics, when set, is served at /metrics outside the authenticated base path.
	Metrics http.Handler
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"concurrent_modification"`
	Message string         `json:"message" example:"spec billing@v3: approve in flight: already processing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"spec_id\":\"billing@v3\"}"`
}

// maxBodyBytes bounds request bodies; drafts are markdown documents.
const maxBodyBytes = 8 << 20

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Specline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err == nil && len(bodyBytes) > maxBodyBytes {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "", "request body too large", map[string]any{"limit_bytes": maxBodyBytes}))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			next.ServeHTTP(w, r)
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	hcfg := huma.DefaultConfig("Specline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerSpecs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerBadges(router, basePath, cfg.Engine, cfg.Logger)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var ext *domain.ExternalServiceError
	var ve *domain.ValidationError
	var te *domain.TransitionError
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, map[string]any{"field": ve.Field})
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case errors.Is(err, domain.ErrConcurrentModification):
		return newAPIError(http.StatusConflict, "concurrent_modification", msg, nil)
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{"spec_id": te.SpecID, "status": string(te.From), "action": string(te.Action)})
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, domain.ErrConfirmationRequired):
		return newAPIError(http.StatusPreconditionRequired, "confirmation_required", msg, nil)
	case errors.As(err, &ext):
		details := map[string]any{"service": ext.Service, "kind": ext.Kind}
		if ext.StatusCode != 0 {
			details["status_code"] = ext.StatusCode
		}
		return newAPIError(http.StatusBadGateway, "external_service_error", msg, details)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrStorage):
		return newAPIError(http.StatusInternalServerError, "storage_error", "storage error", map[string]any{"error": msg})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusPreconditionRequired:
		return "confirmation_required"
	case http.StatusBadGateway:
		return "external_service_error"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
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
    <title>Specline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects with a spec history",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body projectList `json:"body"`
	}, error) {
		items, err := e.Projects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []string{}
		}
		return &struct {
			Body projectList `json:"body"`
		}{Body: projectList{Items: items}}, nil
	})
}

func registerSpecs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-spec",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/specs",
		Summary:       "Ingest a draft as the project's pending spec",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  maxBodyBytes,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      IngestRequest
	}) (*struct {
		Body SpecResponse `json:"body"`
	}, error) {
		spec, err := e.IngestDraft(ctx, input.ProjectID, input.Body.Title, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecResponse `json:"body"`
		}{Body: specResponse(spec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-specs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/specs",
		Summary:     "List approved history and the pending spec",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body specList `json:"body"`
	}, error) {
		items, err := e.ListVersions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body specList `json:"body"`
		}{Body: specList{Items: mapSpecs(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-spec",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}",
		Summary:     "Get a spec and its issue record",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
	}) (*struct {
		Body SpecDetailResponse `json:"body"`
	}, error) {
		view, err := e.GetSpec(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecDetailResponse `json:"body"`
		}{Body: specDetailResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-spec",
		Method:      http.MethodPost,
		Path:        "/specs/{spec_id}/approve",
		Summary:     "Publish the pending spec as a work order",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
	}) (*struct {
		Body ApproveResponse `json:"body"`
	}, error) {
		res, err := e.Approve(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproveResponse `json:"body"`
		}{Body: ApproveResponse{Spec: specResponse(res.Spec), Issue: issueResponse(res.Issue)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reject-spec",
		Method:        http.MethodPost,
		Path:          "/specs/{spec_id}/reject",
		Summary:       "Permanently delete the pending spec",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusPreconditionRequired,
		},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
		Body   RejectRequest
	}) (*struct{}, error) {
		if err := e.Reject(ctx, input.SpecID, input.Body.Confirm, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent lifecycle events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		EntityID  string `query:"entity_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		projectID, err := engine.NormalizeProject(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, projectID, input.Type, events.EntitySpec, input.EntityID)
		if err != nil {
			return nil, handleError(err)
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
