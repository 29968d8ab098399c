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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"phaseline/internal/engine"
	"phaseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"draft_exists"`
	Message string         `json:"message" example:"phase already has an open draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Phaseline API.
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	case errors.Is(err, engine.ErrDraftAlreadyExists):
		return newAPIError(http.StatusConflict, "draft_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrVersionNotMutable):
		return newAPIError(http.StatusConflict, "version_not_mutable", err.Error(), nil)
	case errors.Is(err, engine.ErrEmptyVersion):
		return newAPIError(http.StatusUnprocessableEntity, "empty_version", err.Error(), nil)
	case errors.Is(err, engine.ErrNotDecidable):
		return newAPIError(http.StatusUnprocessableEntity, "not_decidable", err.Error(), nil)
	case errors.Is(err, engine.ErrLineageViolation):
		return newAPIError(http.StatusUnprocessableEntity, "lineage_violation", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Phaseline API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"actor_id": p.ActorID,
			"roles":    p.Roles,
			"source":   p.Source,
		}}, nil
	})
}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create test cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
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
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		c, err := e.InitCycle(ctx, input.Body.ID, input.Body.ReportID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List cycles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CycleResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCycles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CycleResponse `json:"body"`
		}{Body: mapCycles(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-phase",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/phases",
		Summary:       "Create phase",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string             `path:"cycle_id"`
		Body    CreatePhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePhase(ctx, engine.CreatePhaseOptions{
			ID:      input.Body.ID,
			CycleID: input.CycleID,
			Name:    input.Body.Name,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/phases",
		Summary:     "List phases",
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPhases(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: mapPhases(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPhase(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-current-version",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/current",
		Summary:     "Current approved version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		v, err := e.GetCurrent(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-draft",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/versions",
		Summary:       "Open draft version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID string             `path:"phase_id"`
		Body    CreateDraftRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateDraftOptions{PhaseID: input.PhaseID, ActorID: actorID}
		if input.Body.ParentVersionID != nil {
			opts.ParentVersionID = *input.Body.ParentVersionID
		}
		v, err := e.CreateDraft(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}/versions",
		Summary:     "Version history",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedVersions `json:"body"`
	}, error) {
		after := 0
		if input.Cursor != "" {
			parsed, err := strconv.Atoi(input.Cursor)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		versions, err := e.Repo.ListVersionsPage(ctx, input.PhaseID, after, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedVersions{Items: []VersionResponse{}}
		if len(versions) > limit {
			versions = versions[:limit]
			resp.NextCursor = strconv.Itoa(versions[limit-1].SequenceNumber)
		}
		for _, v := range versions {
			resp.Items = append(resp.Items, versionResponse(v))
		}
		return &struct {
			Body paginatedVersions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}",
		Summary:     "Get version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		v, err := e.Repo.GetVersion(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/submit",
		Summary:     "Submit draft for approval",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorWithRole(ctx, roleTester)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Submit(ctx, input.VersionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-verdict",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/verdict",
		Summary:     "Record approval verdict",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		VersionID      string `path:"version_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           VerdictRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorWithRole(ctx, roleReportOwner)
		if authErr != nil {
			return nil, authErr
		}
		// approval over the wire respects the dual-decision gate: a
		// pending version with undecided items is not approvable here
		if engine.Verdict(input.Body.Verdict) == engine.VerdictApprove {
			cur, err := e.Repo.GetVersion(ctx, input.VersionID)
			if err != nil {
				return nil, handleError(err)
			}
			if cur.Status == engine.VersionPendingApproval {
				items, err := e.Repo.ListItems(ctx, input.VersionID)
				if err != nil {
					return nil, handleError(err)
				}
				if _, decidable := engine.Evaluate(items); !decidable {
					return nil, handleError(fmt.Errorf("version %s: %w", input.VersionID, engine.ErrNotDecidable))
				}
			}
		}
		v, err := e.RecordVerdict(ctx, engine.RecordVerdictOptions{
			VersionID:        input.VersionID,
			Verdict:          engine.Verdict(input.Body.Verdict),
			ActorID:          actorID,
			Reason:           input.Body.Reason,
			IdempotencyToken: input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/finalize",
		Summary:     "Reconcile item decisions into a verdict",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Finalize(ctx, input.VersionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/abort",
		Summary:     "Abort an undecided version",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
		Body      struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.AbortDraft(ctx, input.VersionID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: versionResponse(v)}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-items",
		Method:        http.MethodPost,
		Path:          "/versions/{version_id}/items",
		Summary:       "Add items to a draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		VersionID      string `path:"version_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           AddItemsRequest `json:"body"`
	}) (*struct {
		Body []ItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Items) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "items is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items := make([]engine.NewItem, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			payload := "{}"
			if len(it.Payload) > 0 {
				payload = string(it.Payload)
			}
			items = append(items, engine.NewItem{Kind: it.Kind, PayloadJSON: payload})
		}
		out, err := e.AddItems(ctx, engine.AddItemsOptions{
			VersionID:        input.VersionID,
			Items:            items,
			ActorID:          actorID,
			IdempotencyToken: input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ItemResponse `json:"body"`
		}{Body: mapItems(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/items",
		Summary:     "List version items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body []ItemResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetVersion(ctx, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListItems(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ItemResponse `json:"body"`
		}{Body: mapItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-item",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}",
		Summary:     "Remove item from draft",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
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

	huma.Register(api, huma.Operation{
		OperationID: "record-tester-decision",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/tester-decision",
		Summary:     "Record tester decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorWithRole(ctx, roleTester)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.RecordTesterDecision(ctx, input.ItemID, input.Body.Decision, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-owner-decision",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/owner-decision",
		Summary:     "Record report-owner decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorWithRole(ctx, roleReportOwner)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.RecordOwnerDecision(ctx, input.ItemID, input.Body.Decision, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/events",
		Summary:     "Audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.CycleID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(events))
		for _, evt := range events {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}
