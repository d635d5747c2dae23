package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"touchline/internal/domain"
	"touchline/internal/engine"
	"touchline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"none_available"`
	Message string         `json:"message" example:"no eligible action"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"max_duration\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the touchline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures are client input errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("touchline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRelationships(group, cfg.Engine)
	registerScheduling(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerNext(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var inv engine.InvalidInputError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": inv.Field})
	}
	if errors.Is(err, engine.ErrNoEligibleAction) {
		return newAPIError(http.StatusNotFound, "none_available", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request interrupted", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
    <title>touchline API Docs</title>
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

type relationshipPath struct {
	ID string `path:"id"`
}

func registerRelationships(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-relationship",
		Method:        http.MethodPost,
		Path:          "/relationships",
		Summary:       "Track a relationship",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateRelationshipRequest `json:"body"`
	}) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rel, err := e.CreateRelationship(ctx, engine.RelationshipCreateOptions{
			ID:                input.Body.ID,
			UserID:            userID,
			Name:              input.Body.Name,
			Tier:              domain.Tier(input.Body.Tier),
			LastInteractionAt: input.Body.LastInteractionAt,
			MomentumScore:     input.Body.MomentumScore,
			MomentumTrend:     input.Body.MomentumTrend,
			NegativeSentiment: input.Body.NegativeSentiment,
			OpenLoop:          input.Body.OpenLoop,
			DealStage:         input.Body.DealStage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-relationships",
		Method:      http.MethodGet,
		Path:        "/relationships",
		Summary:     "List relationships",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RelationshipList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rels, err := e.ListRelationships(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if rels == nil {
			rels = []domain.Relationship{}
		}
		return &struct {
			Body RelationshipList `json:"body"`
		}{Body: RelationshipList{Items: rels}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-relationship",
		Method:      http.MethodGet,
		Path:        "/relationships/{id}",
		Summary:     "Get a relationship",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *relationshipPath) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rel, err := e.GetRelationship(ctx, userID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-relationship",
		Method:      http.MethodPatch,
		Path:        "/relationships/{id}",
		Summary:     "Update tier, flags, momentum or last interaction",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body UpdateRelationshipRequest `json:"body"`
	}) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RelationshipUpdateOptions{
			ID:                input.ID,
			UserID:            userID,
			Name:              input.Body.Name,
			LastInteractionAt: input.Body.LastInteractionAt,
			MomentumScore:     input.Body.MomentumScore,
			MomentumTrend:     input.Body.MomentumTrend,
			NegativeSentiment: input.Body.NegativeSentiment,
			OpenLoop:          input.Body.OpenLoop,
			DealStage:         input.Body.DealStage,
		}
		if input.Body.Tier != nil {
			tier := domain.Tier(*input.Body.Tier)
			opts.Tier = &tier
		}
		rel, err := e.UpdateRelationship(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assess-relationship",
		Method:      http.MethodGet,
		Path:        "/relationships/{id}/assessment",
		Summary:     "Decision state, lane and urgency/value label",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *relationshipPath) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Assess(ctx, userID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})
}

func registerScheduling(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "schedule-actions",
		Method:      http.MethodPost,
		Path:        "/relationships/{id}/schedule",
		Summary:     "Dry-run batch scheduling",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ScheduleRequest `json:"body"`
	}) (*struct {
		Body ScheduleResultList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dates := make([]civil.Date, 0, len(input.Body.ProposedDates))
		for _, raw := range input.Body.ProposedDates {
			d, err := parseDate("proposed_dates", raw)
			if err != nil {
				return nil, handleError(err)
			}
			if d == (civil.Date{}) {
				return nil, handleError(engine.InvalidInputError{Field: "proposed_dates", Reason: "empty date"})
			}
			dates = append(dates, d)
		}
		results, err := e.ScheduleActions(ctx, engine.ScheduleOptions{
			UserID:         userID,
			RelationshipID: input.ID,
			ProposedDates:  dates,
			MaxPerDay:      input.Body.MaxActionsPerDay,
			HorizonDays:    input.Body.HorizonDays,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := ScheduleResultList{Items: make([]ScheduleResultResponse, 0, len(results))}
		for _, r := range results {
			resp.Items = append(resp.Items, scheduleResultResponse(r))
		}
		return &struct {
			Body ScheduleResultList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-actions",
		Method:        http.MethodPost,
		Path:          "/relationships/{id}/actions",
		Summary:       "Schedule and store a batch of actions",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CreateActionsRequest `json:"body"`
	}) (*struct {
		Body ScheduledActionList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		batch := make([]engine.NewAction, 0, len(input.Body.Actions))
		for _, na := range input.Body.Actions {
			d, err := parseDate("proposed_date", na.ProposedDate)
			if err != nil {
				return nil, handleError(err)
			}
			batch = append(batch, engine.NewAction{
				Type:             domain.ActionType(na.Type),
				Title:            na.Title,
				ProposedDate:     d,
				EstimatedMinutes: na.EstimatedMinutes,
				Source:           na.Source,
			})
		}
		created, err := e.CreateActions(ctx, engine.CreateActionsOptions{
			UserID:         userID,
			RelationshipID: input.ID,
			Actions:        batch,
			MaxPerDay:      input.Body.MaxActionsPerDay,
			HorizonDays:    input.Body.HorizonDays,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScheduledActionList `json:"body"`
		}{Body: ScheduledActionList{Items: scheduledActionResponses(created)}}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RelationshipID string `query:"relationship_id"`
		State          string `query:"state" enum:"new,sent,snoozed,replied,done"`
		Pending        bool   `query:"pending"`
	}) (*struct {
		Body ActionList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ActionListOptions{UserID: userID, RelationshipID: input.RelationshipID, PendingOnly: input.Pending}
		if input.State != "" {
			opts.States = []domain.ActionState{domain.ActionState(input.State)}
		}
		items, err := e.ListActions(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ActionList{Items: make([]ActionResponse, 0, len(items))}
		for _, a := range items {
			resp.Items = append(resp.Items, actionResponse(a))
		}
		return &struct {
			Body ActionList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-action",
		Method:      http.MethodPatch,
		Path:        "/actions/{id}",
		Summary:     "Record a state change or a new estimate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ActionUpdateOptions{ID: input.ID, UserID: userID, EstimatedMinutes: input.Body.EstimatedMinutes}
		if input.Body.State != nil {
			st := domain.ActionState(*input.Body.State)
			opts.State = &st
		}
		a, err := e.UpdateAction(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-actions",
		Method:      http.MethodGet,
		Path:        "/actions/ranked",
		Summary:     "Open actions in selection order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CandidateList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ranked, err := e.RankActions(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CandidateList{Items: make([]CandidateResponse, 0, len(ranked))}
		for _, c := range ranked {
			resp.Items = append(resp.Items, candidateResponse(c))
		}
		return &struct {
			Body CandidateList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerNext(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-action",
		Method:      http.MethodGet,
		Path:        "/actions/next",
		Summary:     "Best next move, optionally within a time budget",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MaxDuration int `query:"max_duration" doc:"Minutes: 5, 10 or 15"`
	}) (*struct {
		Body NextActionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var budget *int
		if input.MaxDuration != 0 {
			budget = &input.MaxDuration
		}
		rec, err := e.NextAction(ctx, userID, budget)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextActionResponse `json:"body"`
		}{Body: NextActionResponse{CandidateResponse: candidateResponse(rec.Candidate), Reason: rec.Reason}}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "refresh-decision-states",
		Method:      http.MethodPost,
		Path:        "/refresh",
		Summary:     "Recompute every decision state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RefreshResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.RefreshAll(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefreshResponse `json:"body"`
		}{Body: RefreshResponse{Refreshed: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-nurture",
		Method:      http.MethodPost,
		Path:        "/nurture",
		Summary:     "Propose nurture touches for quiet relationships",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScheduledActionList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		created, err := e.Nurture(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScheduledActionList `json:"body"`
		}{Body: ScheduledActionList{Items: scheduledActionResponses(created)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"relationship,action"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), userID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
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
