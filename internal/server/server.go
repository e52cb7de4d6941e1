package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/events"
	"fleetline/internal/metrics"
	"fleetline/internal/repo"
	"fleetline/internal/scoring"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics, when set, instruments every request and serves /metrics.
	Metrics *metrics.Metrics
	// Hub, when set, is served as the notification websocket at <base>/ws.
	Hub    *Hub
	Logger *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task transition completed -> assigned (t-1)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"completed\",\"to\":\"assigned\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body the way huma expects.
type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the Fleetline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(cfg.Metrics.Middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fleetline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerOrchestration(group, cfg.Engine)
	registerConflicts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.Hub != nil {
		router.Handle(path.Join(basePath, "ws"), cfg.Hub)
	}
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ce *domain.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "graph_cycle", err.Error(), map[string]any{"parent": ce.Parent, "child": ce.Child, "path": ce.Path})
	}
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"entity": te.Entity, "id": te.ID, "from": te.From, "to": te.To})
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field, "reason": ve.Reason}
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrGraphCycle):
		return newAPIError(http.StatusConflict, "graph_cycle", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrConcurrency):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), nil)
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

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

var (
	readErrors   = []int{http.StatusBadRequest, http.StatusNotFound}
	createErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError}
	changeErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError}
)

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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		opts, err := input.Body.options(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"pending,assigned,in_progress,completed,failed,cancelled"`
		Type      string `query:"type" enum:"feature,bugfix,refactor,testing,documentation,research,deployment"`
		Priority  string `query:"priority" enum:"low,medium,high,critical"`
		ParentID  string `query:"parent_id"`
		AgentID   string `query:"agent_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedTasks], error) {
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			ProjectID:       input.ProjectID,
			Status:          domain.TaskStatus(input.Status),
			Type:            domain.TaskType(input.Type),
			Priority:        domain.Priority(input.Priority),
			Parent:          input.ParentID,
			AssignedAgentID: input.AgentID,
			Limit:           limit + 1,
			Cursor:          cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, next := paginate(tasks, limit, func(t domain.Task) string { return composeCursor(t.CreatedAt, t.ID) })
		return reply(paginatedTasks{Items: items, NextCursor: next}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ready-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/ready",
		Summary:     "List tasks ready for assignment",
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.Task], error) {
		tasks, err := e.ListReadyTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(tasks)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Task], error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Remove task and its edges",
		DefaultStatus: http.StatusNoContent,
		Errors:        changeErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.RemoveTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decompose-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/subtasks",
		Summary:       "Decompose task into subtasks",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body DecomposeRequest `json:"body"`
	}) (*output[[]domain.Task], error) {
		specs := make([]engine.SubtaskSpec, 0, len(input.Body.Subtasks))
		for i, sub := range input.Body.Subtasks {
			opts, err := sub.options("")
			if err != nil {
				return nil, badRequest(err.Error(), map[string]any{"index": i})
			}
			specs = append(specs, engine.SubtaskSpec{TaskCreateOptions: opts, DependsOn: sub.DependsOn})
		}
		tasks, err := e.DecomposeTask(ctx, input.ID, specs)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tasks), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subtasks",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/subtasks",
		Summary:     "List subtasks",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[[]domain.Task], error) {
		tasks, err := e.ListSubtasks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(tasks)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/evaluate",
		Summary:     "Evaluate acceptance criteria",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EvaluateRequest `json:"body" required:"false"`
	}) (*output[domain.Evaluation], error) {
		ev, err := e.EvaluateAcceptance(ctx, input.ID, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ev), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/complexity",
		Summary:     "Estimate task complexity",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[scoring.Complexity], error) {
		c, err := e.EstimateComplexity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-conflicts",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/conflicts",
		Summary:     "Active conflicts affecting a task",
	}, func(ctx context.Context, input *idPath) (*output[[]domain.Conflict], error) {
		items, err := e.ConflictsAffectingTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/history",
		Summary:     "Event history of a task",
	}, func(ctx context.Context, input *idPath) (*output[[]domain.DomainEvent], error) {
		items, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-dependency",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/dependencies",
		Summary:       "Make the task depend on a prerequisite",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body AttachDependencyRequest `json:"body"`
	}) (*output[domain.TaskDependency], error) {
		depType := domain.DependencyBlocking
		if input.Body.Type != "" {
			parsed, err := domain.ParseDependencyType(input.Body.Type)
			if err != nil {
				return nil, handleError(err)
			}
			depType = parsed
		}
		dep, err := e.AttachDependency(ctx, input.Body.ParentTaskID, input.ID, depType)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(dep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "List prerequisite edges",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[[]domain.TaskDependency], error) {
		deps, err := e.ListDependencies(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(deps)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependents",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/dependents",
		Summary:     "List edges that wait on the task",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[[]domain.TaskDependency], error) {
		deps, err := e.ListDependents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(deps)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dependency",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dependencies/{parent_id}/resolve",
		Summary:     "Resolve a prerequisite edge",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		ParentID string `path:"parent_id"`
	}) (*output[ResolveDependencyResponse], error) {
		t, changed, err := e.ResolveDependency(ctx, input.ParentID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ResolveDependencyResponse{Task: t, Changed: changed}), nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*output[domain.Agent], error) {
		a, err := e.RegisterAgent(ctx, input.Body.options())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"idle,working,paused,error,offline"`
		Capability string `query:"capability"`
		UserID     string `query:"user_id"`
		Online     bool   `query:"online"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedAgents], error) {
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		agents, err := e.ListAgents(ctx, repo.AgentFilters{
			Status:         domain.AgentStatus(input.Status),
			Capability:     domain.Capability(input.Capability),
			UserID:         input.UserID,
			ExcludeOffline: input.Online,
			Limit:          limit + 1,
			Cursor:         cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, next := paginate(agents, limit, func(a domain.Agent) string { return composeCursor(a.CreatedAt, a.ID) })
		return reply(paginatedAgents{Items: items, NextCursor: next}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-agent",
		Method:      http.MethodPost,
		Path:        "/agents/select",
		Summary:     "Pick the best idle agent for a capability set",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Body SelectAgentRequest `json:"body"`
	}) (*output[MatchResponse], error) {
		c, err := e.SelectBestAgent(ctx, capabilities(input.Body.Capabilities))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(MatchResponse{AgentID: c.Agent.ID, Score: c.Score}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get agent",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Agent], error) {
		a, err := e.GetAgent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retire-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{id}",
		Summary:     "Retire agent",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Agent], error) {
		a, err := e.RetireAgent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodPatch,
		Path:        "/agents/{id}/status",
		Summary:     "Transition agent status",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AgentStatusRequest `json:"body"`
	}) (*output[domain.Agent], error) {
		to, err := domain.ParseAgentStatus(input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.TransitionAgent(ctx, input.ID, to, input.Body.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-work",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/work",
		Summary:     "Record a finished work unit",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body WorkRequest `json:"body"`
	}) (*output[domain.Agent], error) {
		a, err := e.RecordWork(ctx, input.ID, domain.SkillAssessment{
			TaskID:          input.Body.TaskID,
			Success:         input.Body.Success,
			QualityScore:    input.Body.QualityScore,
			Technologies:    input.Body.Technologies,
			DurationMinutes: input.Body.DurationMinutes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-match",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/match",
		Summary:     "Capability match score",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID           string   `path:"id"`
		Capabilities []string `query:"capabilities"`
	}) (*output[MatchResponse], error) {
		score, err := e.MatchScore(ctx, input.ID, capabilities(splitList(input.Capabilities)))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(MatchResponse{AgentID: input.ID, Score: score}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-conflicts",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/conflicts",
		Summary:     "Active conflicts affecting an agent",
	}, func(ctx context.Context, input *idPath) (*output[[]domain.Conflict], error) {
		items, err := e.ConflictsAffectingAgent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a pending execution session",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*output[domain.ExecutionSession], error) {
		s, err := e.CreateSession(ctx, engine.SessionCreateOptions{
			ID:             deref(input.Body.ID),
			TaskID:         input.Body.TaskID,
			AgentID:        input.Body.AgentID,
			GitBranch:      input.Body.GitBranch,
			BaseCommit:     input.Body.BaseCommit,
			Config:         input.Body.Config,
			TimeoutMinutes: input.Body.TimeoutMinutes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions",
		Summary:     "List execution sessions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `query:"task_id"`
		AgentID   string `query:"agent_id"`
		Status    string `query:"status" enum:"pending,running,completed,failed,timeout"`
		Branch    string `query:"branch"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedSessions], error) {
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		sessions, err := e.ListSessions(ctx, repo.SessionFilters{
			ProjectID: input.ProjectID,
			TaskID:    input.TaskID,
			AgentID:   input.AgentID,
			Status:    domain.SessionStatus(input.Status),
			GitBranch: input.Branch,
			Limit:     limit + 1,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, next := paginate(sessions, limit, func(s domain.ExecutionSession) string { return composeCursor(s.CreatedAt, s.ID) })
		return reply(paginatedSessions{Items: items, NextCursor: next}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get execution session",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.ExecutionSession], error) {
		s, err := e.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/start",
		Summary:     "Start a pending session",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.ExecutionSession], error) {
		s, err := e.StartSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/complete",
		Summary:     "Report the outcome of a running session",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body CompleteSessionRequest `json:"body"`
	}) (*output[engine.CompletionReport], error) {
		rep, err := e.CompleteTask(ctx, input.ID, engine.Outcome{
			Success:      input.Body.Success,
			FinalCommit:  input.Body.FinalCommit,
			Result:       input.Body.Result,
			ErrorMessage: input.Body.ErrorMessage,
			Technologies: input.Body.Technologies,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if rep.ReadyTaskIDs == nil {
			rep.ReadyTaskIDs = []string{}
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-merge-conflict",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/merge-conflict",
		Summary:       "Report a merge conflict hit by a session",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body MergeConflictRequest `json:"body"`
	}) (*output[domain.Conflict], error) {
		c, err := e.ReportMergeConflict(ctx, input.ID, input.Body.Files)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-timeouts",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Time out overdue sessions now",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body" required:"false"`
	}) (*output[SweepResponse], error) {
		now := clock(e)
		if input.Body.Now != "" {
			parsed, err := time.Parse(time.RFC3339, input.Body.Now)
			if err != nil {
				return nil, badRequest("now must be RFC3339", map[string]any{"now": input.Body.Now})
			}
			now = parsed
		}
		swept, err := e.HandleTimeouts(ctx, now)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SweepResponse{TimedOut: nonNil(swept)}), nil
	})
}

func registerOrchestration(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign task to an agent",
		Description: "Without agent_id the best matching idle agent is chosen; a capability gap conflict is raised when none covers the task.",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body" required:"false"`
	}) (*output[engine.Assignment], error) {
		var (
			as  engine.Assignment
			err error
		)
		if input.Body.AgentID == "" {
			as, err = e.AutoAssign(ctx, input.ID)
		} else {
			as, err = e.AssignTask(ctx, input.ID, input.Body.AgentID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(as), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-ready",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/assign",
		Summary:     "Auto-assign every ready task",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *projectPath) (*output[engine.AssignmentReport], error) {
		rep, err := e.AssignReadyTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		rep.Assigned = nonNil(rep.Assigned)
		rep.Unassigned = nonNil(rep.Unassigned)
		rep.Skipped = nonNil(rep.Skipped)
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/start",
		Summary:       "Open a running session for an assigned task",
		DefaultStatus: http.StatusCreated,
		Errors:        changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body StartTaskRequest `json:"body" required:"false"`
	}) (*output[engine.StartReport], error) {
		rep, err := e.StartTask(ctx, input.ID, engine.StartOptions{
			GitBranch:      input.Body.GitBranch,
			BaseCommit:     input.Body.BaseCommit,
			Config:         input.Body.Config,
			TimeoutMinutes: input.Body.TimeoutMinutes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a pending or assigned task",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CancelTaskRequest `json:"body" required:"false"`
	}) (*output[domain.Task], error) {
		t, err := e.CancelTask(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerConflicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-conflict",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/conflicts",
		Summary:       "Raise a conflict",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateConflictRequest `json:"body"`
	}) (*output[domain.Conflict], error) {
		opts, err := input.Body.options(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.DetectConflict(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/conflicts",
		Summary:     "List conflicts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type" enum:"dependency_cycle,resource_contention,merge_conflict,capability_gap,timeline_overlap"`
		Severity  string `query:"severity" enum:"low,medium,high,critical"`
		Status    string `query:"status" enum:"detected,analyzing,escalated,resolving,resolved,ignored"`
		Active    bool   `query:"active"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedConflicts], error) {
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListConflicts(ctx, repo.ConflictFilters{
			ProjectID:  input.ProjectID,
			Type:       domain.ConflictType(input.Type),
			Severity:   domain.Severity(input.Severity),
			Status:     domain.ConflictStatus(input.Status),
			ActiveOnly: input.Active,
			Limit:      limit + 1,
			Cursor:     cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page, next := paginate(items, limit, func(c domain.Conflict) string { return composeCursor(c.DetectedAt, c.ID) })
		return reply(paginatedConflicts{Items: page, NextCursor: next}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalated-conflicts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/conflicts/escalated",
		Summary:     "Escalation queue, critical first",
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.Conflict], error) {
		items, err := e.EscalatedQueue(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "conflict-stats",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/conflicts/stats",
		Summary:     "Conflict statistics",
	}, func(ctx context.Context, input *projectPath) (*output[engine.ConflictStats], error) {
		stats, err := e.ConflictStats(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(stats), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-conflicts",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/conflicts/scan",
		Summary:     "Detect cycles, contention, capability gaps and overlaps",
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.Conflict], error) {
		found, err := e.ScanConflicts(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(found)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-conflicts",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/conflicts/purge",
		Summary:     "Delete closed conflicts older than a cutoff",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      PurgeRequest `json:"body"`
	}) (*output[PurgeResponse], error) {
		before, err := time.Parse(time.RFC3339, input.Body.Before)
		if err != nil {
			return nil, badRequest("before must be RFC3339", map[string]any{"before": input.Body.Before})
		}
		ids, err := e.PurgeConflicts(ctx, input.ProjectID, before)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PurgeResponse{Purged: nonNil(ids)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-conflict",
		Method:      http.MethodGet,
		Path:        "/conflicts/{id}",
		Summary:     "Get conflict",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[domain.Conflict], error) {
		c, err := e.GetConflict(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	simple := []struct {
		op, path, summary string
		fn                func(context.Context, string) (domain.Conflict, error)
	}{
		{"analyze-conflict", "/conflicts/{id}/analyze", "Start analysing a conflict", e.AnalyzeConflict},
		{"begin-resolution", "/conflicts/{id}/resolving", "Mark a conflict as being resolved", e.BeginResolution},
	}
	for _, s := range simple {
		fn := s.fn
		huma.Register(api, huma.Operation{
			OperationID: s.op,
			Method:      http.MethodPost,
			Path:        s.path,
			Summary:     s.summary,
			Errors:      changeErrors,
		}, func(ctx context.Context, input *idPath) (*output[domain.Conflict], error) {
			c, err := fn(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(c), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "escalate-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{id}/escalate",
		Summary:     "Escalate a conflict to a human",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EscalateRequest `json:"body" required:"false"`
	}) (*output[domain.Conflict], error) {
		c, err := e.EscalateConflict(ctx, input.ID, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{id}/resolve",
		Summary:     "Resolve a conflict",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ResolveConflictRequest `json:"body"`
	}) (*output[domain.Conflict], error) {
		c, err := e.ResolveConflict(ctx, input.ID, input.Body.Strategy, input.Body.Note, input.Body.Auto)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ignore-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{id}/ignore",
		Summary:     "Ignore a conflict",
		Errors:      changeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body IgnoreConflictRequest `json:"body" required:"false"`
	}) (*output[domain.Conflict], error) {
		c, err := e.IgnoreConflict(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/conflicts/{id}/decisions",
		Summary:       "Record a human decision",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*output[domain.HumanDecision], error) {
		dt, err := domain.ParseDecisionType(input.Body.DecisionType)
		if err != nil {
			return nil, handleError(err)
		}
		decidedBy := input.Body.DecidedBy
		if decidedBy == "" {
			decidedBy = subjectFromContext(ctx)
		}
		d, err := e.RecordDecision(ctx, input.ID, engine.DecisionOptions{
			Type:             dt,
			Payload:          input.Body.Payload,
			Reasoning:        input.Body.Reasoning,
			AffectedEntities: input.Body.AffectedEntities,
			FollowUpActions:  input.Body.FollowUpActions,
			DecidedBy:        decidedBy,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/conflicts/{id}/decisions",
		Summary:     "List decisions on a conflict",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*output[[]domain.HumanDecision], error) {
		items, err := e.ListDecisions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID     string `path:"project_id"`
		AggregateType string `query:"aggregate_type" enum:"task,agent,execution_session,conflict"`
		AggregateID   string `query:"aggregate_id"`
		EventType     string `query:"event_type"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Reader.List(ctx, events.Filters{
			ProjectID:     input.ProjectID,
			AggregateType: domain.AggregateType(input.AggregateType),
			AggregateID:   input.AggregateID,
			EventType:     input.EventType,
			BeforeSeq:     before,
			Descending:    true,
			Limit:         limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.DomainEvent{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

func clock(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
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

func parseCompositeCursor(cursor string) (repo.Cursor, error) {
	if cursor == "" {
		return repo.Cursor{}, nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return repo.Cursor{}, fmt.Errorf("invalid cursor")
	}
	return repo.Cursor{CreatedAt: parts[0], ID: parts[1]}, nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

// paginate trims a limit+1 result set and derives the cursor of the last
// returned row.
func paginate[T any](items []T, limit int, cursor func(T) string) ([]T, string) {
	if len(items) <= limit {
		return nonNil(items), ""
	}
	items = items[:limit]
	return items, cursor(items[limit-1])
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// splitList accepts both repeated and comma-separated query values.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		out = append(out, strings.Split(v, ",")...)
	}
	return out
}
