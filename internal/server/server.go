package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"shiftplan/internal/catalog"
	"shiftplan/internal/domain"
	"shiftplan/internal/engine"
	"shiftplan/internal/forecast"
	"shiftplan/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"week_locked"`
	Message string         `json:"message" example:"week is locked; add item refused"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure is rendered into.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Shiftplan API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are the caller's fault.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "X-Actor-Id"},
		AllowCredentials: true,
	}))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Shiftplan API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWeeks(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerAdjustments(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps the engine's error taxonomy onto the HTTP envelope. All of
// these are terminal caller errors; nothing is retried server-side.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(),
			map[string]any{"week_id": te.WeekID, "from": te.From, "to": te.To})
	}
	var le engine.LockedError
	if errors.As(err, &le) {
		return newAPIError(http.StatusConflict, "week_locked", err.Error(),
			map[string]any{"week_id": le.WeekID})
	}
	var ee engine.ExistsError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), map[string]any{
			"sector_id":       ee.SectorID,
			"forecast_run_id": ee.ForecastRunID,
			"week_start":      ee.WeekStart,
		})
	}
	var fe engine.FieldError
	if errors.As(err, &fe) {
		details := map[string]any{"field": fe.Field}
		if fe.Value != "" {
			details["value"] = fe.Value
		}
		return newAPIError(http.StatusUnprocessableEntity, fieldErrorCode(fe.Kind), err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func fieldErrorCode(kind error) string {
	switch kind {
	case engine.ErrInvalidDate:
		return "invalid_date"
	case engine.ErrUnknownActivity:
		return "unknown_activity"
	case engine.ErrInvalidQuantity:
		return "invalid_quantity"
	case engine.ErrInvalidPriority:
		return "invalid_priority"
	case engine.ErrInvalidWindow:
		return "invalid_window"
	case engine.ErrEmptyReason:
		return "empty_reason"
	case engine.ErrUnknownBaseline:
		return "unknown_baseline"
	default:
		return "validation_failed"
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func registerWeeks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-week",
		Method:        http.MethodPost,
		Path:          "/sectors/{sector_id}/weeks",
		Summary:       "Generate a program week",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SectorID string              `path:"sector_id"`
		Body     GenerateWeekRequest `json:"body"`
	}) (*struct {
		Body WeekResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ForecastRunID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "forecast_run_id is required", nil)
		}
		if input.Body.WeekStart == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "week_start is required", nil)
		}
		week, err := e.GenerateWeek(ctx, engine.GenerateOptions{
			SectorID:      input.SectorID,
			ForecastRunID: input.Body.ForecastRunID,
			WeekStart:     input.Body.WeekStart,
			Mode:          input.Body.Mode,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WeekResponse `json:"body"`
		}{Body: weekResponse(week)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-weeks",
		Method:      http.MethodGet,
		Path:        "/sectors/{sector_id}/weeks",
		Summary:     "List program weeks for a sector",
	}, func(ctx context.Context, input *struct {
		SectorID string `path:"sector_id"`
	}) (*struct {
		Body []WeekResponse `json:"body"`
	}, error) {
		weeks, err := e.Repo.ListWeeks(ctx, input.SectorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WeekResponse, 0, len(weeks))
		for _, w := range weeks {
			res = append(res, weekResponse(w))
		}
		return &struct {
			Body []WeekResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lookup-week",
		Method:      http.MethodGet,
		Path:        "/sectors/{sector_id}/weeks/lookup",
		Summary:     "Resolve a week by forecast run and week start",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SectorID      string `path:"sector_id"`
		ForecastRunID string `query:"forecast_run_id"`
		WeekStart     string `query:"week_start"`
	}) (*struct {
		Body WeekResponse `json:"body"`
	}, error) {
		if input.ForecastRunID == "" || input.WeekStart == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "forecast_run_id and week_start are required", nil)
		}
		week, found, err := e.FindWeek(ctx, input.SectorID, input.ForecastRunID, input.WeekStart)
		if err != nil {
			return nil, handleError(err)
		}
		if !found {
			return nil, newAPIError(http.StatusNotFound, "not_found", "program week not generated yet", map[string]any{
				"sector_id":       input.SectorID,
				"forecast_run_id": input.ForecastRunID,
				"week_start":      input.WeekStart,
			})
		}
		return &struct {
			Body WeekResponse `json:"body"`
		}{Body: weekResponse(week)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-week",
		Method:      http.MethodGet,
		Path:        "/weeks/{week_id}",
		Summary:     "Get a program week",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WeekID string `path:"week_id"`
	}) (*struct {
		Body WeekResponse `json:"body"`
	}, error) {
		week, err := e.GetWeek(ctx, input.WeekID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WeekResponse `json:"body"`
		}{Body: weekResponse(week)}, nil
	})

	registerTransition(api, e, "approve-week", "approve", "Approve a draft week", e.ApproveWeek)
	registerTransition(api, e, "lock-week", "lock", "Lock an approved week", e.LockWeek)
}

func registerTransition(api huma.API, e engine.Engine, opID, action, summary string,
	fn func(ctx context.Context, weekID, actorID string) (domain.ProgramWeek, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/weeks/{week_id}/" + action,
		Summary:     summary,
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WeekID string `path:"week_id"`
	}) (*struct {
		Body WeekResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		week, err := fn(ctx, input.WeekID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WeekResponse `json:"body"`
		}{Body: weekResponse(week)}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-item",
		Method:        http.MethodPost,
		Path:          "/weeks/{week_id}/items",
		Summary:       "Add a manual item to a week",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WeekID string         `path:"week_id"`
		Body   AddItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActivityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "activity_id is required", nil)
		}
		if input.Body.Date == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "date is required", nil)
		}
		item, err := e.AddItem(ctx, engine.AddItemOptions{
			WeekID:          input.WeekID,
			ActivityID:      input.Body.ActivityID,
			Date:            input.Body.Date,
			WindowStart:     input.Body.WindowStart,
			WindowEnd:       input.Body.WindowEnd,
			Quantity:        input.Body.Quantity,
			WorkloadMinutes: input.Body.WorkloadMinutes,
			Priority:        input.Body.Priority,
			Drivers:         input.Body.Drivers,
			Notes:           input.Body.Notes,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-item",
		Method:        http.MethodDelete,
		Path:          "/items/{item_id}",
		Summary:       "Remove an item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveItem(ctx, input.ItemID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAdjustments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-adjustment",
		Method:        http.MethodPost,
		Path:          "/sectors/{sector_id}/adjustments",
		Summary:       "Record an adjustment against a forecast baseline",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SectorID string                  `path:"sector_id"`
		Body     CreateAdjustmentRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.BaselineForecastRunID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "baseline_forecast_run_id is required", nil)
		}
		run, err := e.CreateAdjustment(ctx, engine.AdjustmentOptions{
			SectorID:      input.SectorID,
			BaselineRunID: input.Body.BaselineForecastRunID,
			Reason:        input.Body.Reason,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	reg := forecast.Registry{DB: e.DB}
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/sectors/{sector_id}/runs",
		Summary:     "List forecast runs",
	}, func(ctx context.Context, input *struct {
		SectorID string `path:"sector_id"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := reg.ListRuns(ctx, input.SectorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/sectors/{sector_id}/runs/{run_id}",
		Summary:     "Get a forecast run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SectorID string `path:"sector_id"`
		RunID    string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := reg.GetRun(ctx, input.SectorID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/sectors/{sector_id}/activities",
		Summary:     "List the sector's activity catalog",
	}, func(ctx context.Context, input *struct {
		SectorID string `path:"sector_id"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		cat := catalog.Catalog{DB: e.DB}
		acts, err := cat.ListActivities(ctx, input.SectorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(acts)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sectors/{sector_id}/events",
		Summary:     "Tail the sector's audit log",
	}, func(ctx context.Context, input *struct {
		SectorID   string `path:"sector_id"`
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, input.SectorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development JWT",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := mintDevToken(auth.JWTSecret, input.Body.ActorID, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
	open := map[string]bool{
		ensureSlash(path.Join(basePath, "health")):         true,
		ensureSlash(path.Join(basePath, "auth/dev/login")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Shiftplan API Docs</title>
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
