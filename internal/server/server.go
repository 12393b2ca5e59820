package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"opsgate/internal/audit"
	"opsgate/internal/confirm"
	"opsgate/internal/idempotency"
	"opsgate/internal/protocol"
	"opsgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator protocol.Orchestrator
	Actions      map[string]protocol.Action
	Repo         repo.Repo
	Ledger       idempotency.Ledger
	Audit        audit.Recorder
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"payload_mismatch"`
	Message string         `json:"message" example:"payload does not match the confirmed preview"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"operation\":\"refund\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Opsgate API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Opsgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOperations(group, cfg)
	registerLedger(group, cfg)
	registerAudit(group, cfg)
	registerScheduled(group, cfg)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

// handleError translates the protocol taxonomy into HTTP. Kinds are matched
// by type, never by message text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if kind := protocol.KindOf(err); kind != "" {
		return newAPIError(statusForKind(kind), kind, err.Error(), detailsFor(err))
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForKind(kind string) int {
	switch kind {
	case string(confirm.KindInvalidFormat):
		return http.StatusBadRequest
	case string(confirm.KindExpired), string(confirm.KindInvalidSignature):
		return http.StatusUnauthorized
	case string(confirm.KindActorMismatch):
		return http.StatusForbidden
	case string(confirm.KindPayloadMismatch), protocol.KindDomainError:
		return http.StatusUnprocessableEntity
	case protocol.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func detailsFor(err error) map[string]any {
	var conflict *protocol.ConflictError
	if errors.As(err, &conflict) {
		return map[string]any{"idempotency_key": conflict.Key}
	}
	var domain *protocol.DomainError
	if errors.As(err, &domain) {
		return map[string]any{"operation": domain.Op}
	}
	return nil
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Opsgate API Docs</title>
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

func registerOperations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/ops",
		Summary:     "List operations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OperationsResponse `json:"body"`
	}, error) {
		names := make([]string, 0, len(cfg.Actions))
		for name := range cfg.Actions {
			names = append(names, name)
		}
		sort.Strings(names)
		return &struct {
			Body OperationsResponse `json:"body"`
		}{Body: OperationsResponse{Operations: names}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-operation",
		Method:      http.MethodPost,
		Path:        "/ops/{operation}/preview",
		Summary:     "Preview an operation and mint a confirm token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Operation string         `path:"operation"`
		Body      PreviewRequest `json:"body"`
	}) (*struct {
		Body PreviewResponse `json:"body"`
	}, error) {
		action, ok := cfg.Actions[input.Operation]
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown operation %q", input.Operation), nil)
		}
		if input.Body.Params == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "params is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := cfg.Orchestrator.Preview(ctx, action, input.Body.Params, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreviewResponse `json:"body"`
		}{Body: PreviewResponse{
			EffectPreview: res.Effect,
			ConfirmToken:  res.ConfirmToken,
			ExpiresAt:     res.ExpiresAt.UTC().Format(time.RFC3339),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-operation",
		Method:      http.MethodPost,
		Path:        "/ops/{operation}/execute",
		Summary:     "Execute a confirmed operation exactly once",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Operation      string         `path:"operation"`
		IdempotencyKey string         `header:"Idempotency-Key"`
		Body           ExecuteRequest `json:"body"`
	}) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		action, ok := cfg.Actions[input.Operation]
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown operation %q", input.Operation), nil)
		}
		if input.Body.Params == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "params is required", nil)
		}
		if input.Body.ConfirmToken == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "confirm_token is required", nil)
		}
		key := input.Body.IdempotencyKey
		if key == "" {
			key = strings.TrimSpace(input.IdempotencyKey)
		}
		if key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "idempotency_key is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := cfg.Orchestrator.Execute(ctx, action, protocol.ExecuteRequest{
			ConfirmToken:   input.Body.ConfirmToken,
			IdempotencyKey: key,
			ActorID:        actorID,
			Params:         input.Body.Params,
			Extra:          input.Body.Extra,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: result}, nil
	})
}

func registerLedger(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "List idempotency records",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []LedgerRecordResponse `json:"body"`
	}, error) {
		records, err := cfg.Ledger.List(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LedgerRecordResponse, 0, len(records))
		for _, rec := range records {
			out = append(out, ledgerRecordResponse(rec))
		}
		return &struct {
			Body []LedgerRecordResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ledger-record",
		Method:      http.MethodGet,
		Path:        "/ledger/{key}",
		Summary:     "Get one idempotency record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body LedgerRecordResponse `json:"body"`
	}, error) {
		rec, err := cfg.Ledger.Get(ctx, input.Key)
		if errors.Is(err, idempotency.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerRecordResponse `json:"body"`
		}{Body: ledgerRecordResponse(rec)}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries",
	}, func(ctx context.Context, input *struct {
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
		Operation string `query:"operation"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		entries, err := cfg.Audit.List(ctx, input.Limit, input.Operation)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, auditEntryResponse(e))
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerScheduled(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-scheduled",
		Method:      http.MethodGet,
		Path:        "/scheduled",
		Summary:     "List scheduled actions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []ScheduledActionResponse `json:"body"`
	}, error) {
		actions, err := cfg.Repo.ListScheduledActions(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ScheduledActionResponse, 0, len(actions))
		for _, a := range actions {
			out = append(out, scheduledActionResponse(a))
		}
		return &struct {
			Body []ScheduledActionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-scheduled",
		Method:      http.MethodDelete,
		Path:        "/scheduled/{id}",
		Summary:     "Cancel a pending scheduled action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := cfg.Repo.CancelScheduledAction(ctx, input.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "no pending scheduled action with that id", nil)
			}
			return nil, handleError(err)
		}
		actorID, _ := actorIDFromContext(ctx)
		cfg.Audit.Record(ctx, audit.Entry{
			ActorID:   actorID,
			Operation: "cancel_scheduled",
			Outcome:   "completed",
			Details:   map[string]any{"scheduled_id": input.ID},
		})
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"id": input.ID, "status": "canceled"}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
