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

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/repo"
	"fleetline/internal/store"
	"fleetline/internal/view"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot allocate a job in status completed"`
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

// New returns an HTTP handler exposing the Fleetline API.
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fleetline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerJobs(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerBulk(group, cfg.Engine)
	registerNotes(group, cfg.Engine)
	registerEvents(group, cfg.Engine, cfg.Repo)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.Repo)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	var ue engine.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"requirement": ue.Requirement})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, store.ErrUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "job store unavailable", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_transition"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// visibleTo applies the actor's tier to a single job fetch. Jobs outside the
// tier read as not found rather than forbidden.
func visibleTo(j domain.Job, actor engine.Actor) bool {
	switch actor.Profile.Tier {
	case domain.TierFull:
		return true
	case domain.TierDriverPlusUnallocated:
		if j.Status == domain.StatusUnallocated {
			return true
		}
	}
	return j.DriverID != nil && *j.DriverID == actor.ID
}

func queryLimits(e engine.Engine) view.Limits {
	limits := view.Limits{FullQuery: 100, DriverQuery: 50}
	if e.Config != nil {
		if e.Config.Limits.FullQuery > 0 {
			limits.FullQuery = e.Config.Limits.FullQuery
		}
		if e.Config.Limits.DriverQuery > 0 {
			limits.DriverQuery = e.Config.Limits.DriverQuery
		}
	}
	return limits
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>Fleetline API Docs</title>
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

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.JobCreateOptions{
			Reference:       input.Body.Reference,
			CustomerName:    input.Body.CustomerName,
			VehicleReg:      input.Body.VehicleReg,
			CollectionAddr:  input.Body.CollectionAddr,
			DeliveryAddr:    input.Body.DeliveryAddr,
			IsSplitJourney:  input.Body.IsSplitJourney,
			SplitLegs:       splitLegsFromRequest(input.Body.SplitLegs),
			MultiJobBatchID: input.Body.MultiJobBatchID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		j, err := e.Create(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List visible jobs",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		specs := view.RouteQueries(actor.Profile, actor.ID, queryLimits(e))
		batches := make(map[string][]domain.Job, len(specs))
		for _, spec := range specs {
			jobs, err := e.Store.List(ctx, spec)
			if err != nil {
				return nil, handleError(err)
			}
			batches[spec.Key] = jobs
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Items: view.Merge(batches), Tier: actor.Profile.Tier}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !visibleTo(j, actor) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "job not found", nil)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	type jobPath struct {
		ID string `path:"id"`
	}
	type jobOut struct {
		Body domain.Job `json:"body"`
	}
	lifecycleErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusServiceUnavailable,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "allocate-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/allocate",
		Summary:     "Allocate job to driver",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body AllocateRequest `json:"body"`
	}) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Allocate(ctx, input.ID, input.Body.DriverID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unallocate-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/unallocate",
		Summary:     "Return job to the unallocated pool",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *jobPath) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Unallocate(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-collection",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/collection",
		Summary:     "Record vehicle collection",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CollectionRequest `json:"body"`
	}) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.StartCollection(ctx, input.ID, engine.CollectionData{
			Stage:              input.Body.Stage,
			ActualStartTime:    input.Body.ActualStartTime,
			ActualCompleteTime: input.Body.ActualCompleteTime,
			DamageReported:     input.Body.DamageReported,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-delivery",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/delivery/start",
		Summary:     "Start the delivery leg",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DeliveryRequest `json:"body"`
	}) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.StartDelivery(ctx, input.ID, engine.DeliveryData{
			Stage:          input.Body.Stage,
			DamageReported: input.Body.DamageReported,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-delivery",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/delivery/complete",
		Summary:     "Mark the vehicle delivered",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DeliveryRequest `json:"body"`
	}) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CompleteDelivery(ctx, input.ID, engine.DeliveryData{
			Stage:          input.Body.Stage,
			DamageReported: input.Body.DamageReported,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/complete",
		Summary:     "Close out a delivered job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *jobPath) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Complete(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/cancel",
		Summary:     "Cancel job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *jobPath) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Cancel(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/abort",
		Summary:     "Abort a job already underway",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *jobPath) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Abort(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "duplicate-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{id}/duplicate",
		Summary:       "Duplicate job without progress",
		DefaultStatus: http.StatusCreated,
		Errors:        lifecycleErrors,
	}, func(ctx context.Context, input *jobPath) (*jobOut, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.Duplicate(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &jobOut{Body: j}, nil
	})
}

func registerBulk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bulk-update-jobs",
		Method:      http.MethodPost,
		Path:        "/jobs/bulk",
		Summary:     "Apply a partial edit to many jobs",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body BulkUpdateRequest `json:"body"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		patch := repo.JobPatch{
			Status:         input.Body.Patch.Status,
			Stage:          input.Body.Patch.Stage,
			DriverID:       input.Body.Patch.DriverID,
			CustomerName:   input.Body.Patch.CustomerName,
			VehicleReg:     input.Body.Patch.VehicleReg,
			CollectionAddr: input.Body.Patch.CollectionAddr,
			DeliveryAddr:   input.Body.Patch.DeliveryAddr,
		}
		if err := e.BulkUpdate(ctx, input.Body.IDs, patch, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"updated": len(input.Body.IDs)}}, nil
	})
}

func registerNotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-job-note",
		Method:        http.MethodPost,
		Path:          "/jobs/{id}/notes",
		Summary:       "Append a note to a job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AddNoteRequest `json:"body"`
	}) (*struct {
		Body domain.JobNote `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.AddNote(ctx, input.ID, input.Body.Content, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobNote `json:"body"`
		}{Body: n}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent lifecycle events",
		Errors: []int{
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit" default:"50"`
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e.Config)
		if authErr != nil {
			return nil, authErr
		}
		if actor.Profile.Tier != domain.TierFull {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "full visibility required", nil)
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		events, err := r.LatestEvents(ctx, limit, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}
