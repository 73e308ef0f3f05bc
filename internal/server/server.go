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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pulseline/internal/app"
	"pulseline/internal/approval"
	"pulseline/internal/repo"
	"pulseline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	App      app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_pending_approval"`
	Message string         `json:"message" example:"action is not pending approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pulseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Pulseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStartups(group, cfg.App)
	registerMessages(group, cfg.App)
	registerPulse(group, cfg.App)
	registerAutonomy(group, cfg.App)
	registerActions(group, cfg.App)
	registerRules(group, cfg.App)
	registerWorkflows(group, cfg.App)
	registerHooks(group, cfg.App)
	registerLog(group, cfg.App)
	registerOpenAPI(router, api, basePath)

	startLedgerDispatcher(cfg.App)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, approval.ErrNotPendingApproval):
		return newAPIError(http.StatusConflict, "not_pending_approval", err.Error(), nil)
	case errors.Is(err, approval.ErrApprovalRequired):
		return newAPIError(http.StatusConflict, "approval_required", err.Error(), nil)
	case errors.Is(err, workflow.ErrWorkflowNotActive):
		return newAPIError(http.StatusConflict, "workflow_not_active", err.Error(), nil)
	case errors.Is(err, workflow.ErrWorkflowActive):
		return newAPIError(http.StatusConflict, "workflow_active", err.Error(), nil)
	case errors.Is(err, workflow.ErrRunNotWaiting):
		return newAPIError(http.StatusConflict, "run_not_waiting", err.Error(), nil)
	case errors.Is(err, workflow.ErrApprovalDecided):
		return newAPIError(http.StatusConflict, "approval_decided", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown") || strings.Contains(lowered, "malformed") || strings.Contains(lowered, "parse"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if data, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return data
	}
	return nil
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	hooksPrefix := path.Join(basePath, "hooks")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || strings.HasPrefix(route, hooksPrefix) {
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
    <title>Pulseline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerStartups(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-startup",
		Method:        http.MethodPost,
		Path:          "/startups",
		Summary:       "Register startup",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStartupRequest `json:"body"`
	}) (*struct {
		Body StartupResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := app.ResolveStartup(ctx, a, input.Body.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		s, err := a.Repo.GetStartup(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartupResponse `json:"body"`
		}{Body: startupResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-startups",
		Method:      http.MethodGet,
		Path:        "/startups",
		Summary:     "List startups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StartupResponse `json:"body"`
	}, error) {
		items, err := a.Repo.ListStartups(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StartupResponse, 0, len(items))
		for _, s := range items {
			res = append(res, startupResponse(s))
		}
		return &struct {
			Body []StartupResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-startup",
		Method:      http.MethodGet,
		Path:        "/startups/{startup_id}",
		Summary:     "Get startup",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
	}) (*struct {
		Body StartupResponse `json:"body"`
	}, error) {
		s, err := a.Repo.GetStartup(ctx, input.StartupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartupResponse `json:"body"`
		}{Body: startupResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-startup",
		Method:      http.MethodDelete,
		Path:        "/startups/{startup_id}",
		Summary:     "Delete startup",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := a.Repo.DeleteStartup(ctx, input.StartupID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLog(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "startup-log",
		Method:      http.MethodGet,
		Path:        "/startups/{startup_id}/log",
		Summary:     "Ledger tail for a startup",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StartupID string `path:"startup_id"`
		Limit     int    `query:"limit" minimum:"1" maximum:"500"`
		Type      string `query:"type"`
		Kind      string `query:"kind"`
	}) (*struct {
		Body []LedgerEntryResponse `json:"body"`
	}, error) {
		if _, err := a.Repo.GetStartup(ctx, input.StartupID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		entries, err := a.Repo.LatestLedger(ctx, limit, input.StartupID, input.Type, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]LedgerEntryResponse, 0, len(entries))
		for _, e := range entries {
			res = append(res, ledgerEntryResponse(e))
		}
		return &struct {
			Body []LedgerEntryResponse `json:"body"`
		}{Body: res}, nil
	})
}
