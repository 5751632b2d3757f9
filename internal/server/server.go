package server

import (
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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"leadline/internal/campaign"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/export"
	"leadline/internal/metrics"
	"leadline/internal/proposal"
	"leadline/internal/repo"
	"leadline/internal/view"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// LookupFailedMessage is shown for any failure of the remote lookup call.
const LookupFailedMessage = "No se pudieron obtener los datos. Verifica tu conexión."

const improveFailedMessage = "No se pudo mejorar la plantilla. Verifica tu conexión."

type apiErrorBody struct {
	Code    string         `json:"code" example:"lookup_failed"`
	Message string         `json:"message" example:"No se pudieron obtener los datos. Verifica tu conexión."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":{\"email\":\"Formato de correo inválido\"}}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// campaignGate allows one campaign at a time per server.
type campaignGate struct {
	mu sync.Mutex
}

func (g *campaignGate) acquire() bool { return g.mu.TryLock() }
func (g *campaignGate) release()      { g.mu.Unlock() }

// New returns an HTTP handler exposing the leadline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	hcfg := huma.DefaultConfig("Leadline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	gate := &campaignGate{}
	registerDocs(router, basePath)
	registerHealth(group)
	registerLeads(group, cfg.Engine)
	registerSearch(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerTemplate(group, cfg.Engine)
	registerExports(group, cfg.Engine)
	registerCampaigns(group, cfg.Engine, gate)
	registerRegistry(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerCampaignStream(router, basePath, cfg.Engine, gate, logger)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)))
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
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"fields": verr.Fields})
	}
	var incomplete *export.IncompleteError
	if errors.As(err, &incomplete) {
		return newAPIError(http.StatusConflict, "incomplete_leads", err.Error(), map[string]any{"issues": incomplete.Issues})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrLookupFailed):
		return newAPIError(http.StatusBadGateway, "lookup_failed", LookupFailedMessage, nil)
	case errors.Is(err, engine.ErrImproveFailed):
		return newAPIError(http.StatusBadGateway, "improve_failed", improveFailedMessage, nil)
	case errors.Is(err, engine.ErrIncompleteLead):
		return newAPIError(http.StatusConflict, "incomplete_lead", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, campaign.ErrNoRecipients):
		return newAPIError(http.StatusConflict, "no_recipients", err.Error(), nil)
	case errors.Is(err, campaign.ErrAlreadyStarted):
		return newAPIError(http.StatusConflict, "campaign_running", err.Error(), nil)
	case errors.Is(err, export.ErrNoLeads):
		return newAPIError(http.StatusConflict, "no_leads", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidCount), errors.Is(err, view.ErrPageOutOfRange):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required"):
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
	case http.StatusBadGateway:
		return "upstream_error"
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
	var (
		once sync.Once
		doc  []byte
	)
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="es">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Leadline API Docs</title>
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

func registerLeads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List leads with filter, sort and pagination",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"all,pendiente,procesado,enviado" default:"all"`
		Sort     string `query:"sort"`
		Dir      string `query:"dir" enum:"asc,desc" default:"asc"`
		Page     int    `query:"page" default:"1"`
		PageSize int    `query:"page_size" default:"10" minimum:"1" maximum:"500"`
		Clamp    bool   `query:"clamp"`
	}) (*struct {
		Body LeadPageResponse `json:"body"`
	}, error) {
		q := view.Query{
			Status:   input.Status,
			SortBy:   input.Sort,
			Dir:      view.Direction(input.Dir),
			Page:     input.Page,
			PageSize: input.PageSize,
			Policy:   view.PageStrict,
		}
		if input.Clamp {
			q.Policy = view.PageClamp
		}
		page, err := e.Leads(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeadPageResponse `json:"body"`
		}{Body: LeadPageResponse(page)}, nil
	})

	type leadPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{id}",
		Summary:     "Get lead",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		l, err := e.Lead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead",
		Method:      http.MethodPatch,
		Path:        "/leads/{id}",
		Summary:     "Edit lead fields or status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
		Body  UpdateLeadRequest
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		l, err := e.EditLead(ctx, input.ID, input.Body.patch(), input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-lead",
		Method:        http.MethodDelete,
		Path:          "/leads/{id}",
		Summary:       "Delete lead",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *leadPath) (*struct{}, error) {
		if err := e.DeleteLead(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSearch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search-leads",
		Method:      http.MethodPost,
		Path:        "/searches",
		Summary:     "Look up conjuntos in a city and ingest the unseen ones",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SearchRequest
	}) (*struct {
		Body SearchResponse `json:"body"`
	}, error) {
		res, err := e.Search(ctx, input.Body.City, input.Body.Count)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SearchResponse `json:"body"`
		}{Body: searchResponse(res)}, nil
	})
}

type fileOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Parts              string `header:"X-Export-Parts"`
	Warnings           string `header:"X-Export-Warnings"`
	Body               []byte
}

func attachment(name string) string {
	return fmt.Sprintf(`attachment; filename="%s"`, strings.ReplaceAll(name, `"`, ""))
}

func registerProposals(api huma.API, e engine.Engine) {
	type leadPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "review-proposal",
		Method:      http.MethodPost,
		Path:        "/leads/{id}/proposal",
		Summary:     "Render the proposal for a lead and mark it procesado",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *leadPath) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.ReviewProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-proposal",
		Method:      http.MethodGet,
		Path:        "/leads/{id}/proposal.docx",
		Summary:     "Download the proposal as a Word document",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *leadPath) (*fileOutput, error) {
		name, data, err := e.ExportProposalDocx(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &fileOutput{
			ContentType:        "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			ContentDisposition: attachment(name),
			Body:               data,
		}, nil
	})
}

func registerTemplate(api huma.API, e engine.Engine) {
	templateResponse := func(body string) *struct {
		Body TemplateResponse `json:"body"`
	} {
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: TemplateResponse{Template: body, Tags: proposal.Tags()}}
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/template",
		Summary:     "Get the proposal template",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		body, err := e.Template(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return templateResponse(body), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-template",
		Method:      http.MethodPut,
		Path:        "/template",
		Summary:     "Replace the proposal template",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body TemplateRequest
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if err := e.SetTemplate(ctx, input.Body.Template); err != nil {
			return nil, handleError(err)
		}
		return templateResponse(input.Body.Template), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "improve-template",
		Method:      http.MethodPost,
		Path:        "/template/improve",
		Summary:     "Rewrite the template with the model",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		body, err := e.ImproveTemplate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return templateResponse(body), nil
	})
}

func registerExports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-csv",
		Method:      http.MethodGet,
		Path:        "/exports/csv",
		Summary:     "Export leads as mail-merge CSV; split exports are fetched one part at a time",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		City      string `query:"city"`
		ChunkSize int    `query:"chunk_size" default:"-1" doc:"Rows per file; -1 uses the configured size, 0 exports one file"`
		Mode      string `query:"mode" enum:"strict,lenient" doc:"Overrides the configured strictness"`
		Part      int    `query:"part" default:"1" minimum:"1"`
	}) (*fileOutput, error) {
		opts := engine.CSVExportOptions{City: input.City}
		if input.ChunkSize >= 0 {
			size := input.ChunkSize
			opts.ChunkSize = &size
		}
		if input.Mode != "" {
			strict := input.Mode == "strict"
			opts.Strict = &strict
		}
		res, err := e.ExportCSV(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Part > len(res.Files) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("part %d out of range 1..%d", input.Part, len(res.Files)), map[string]any{"parts": len(res.Files)})
		}
		f := res.Files[input.Part-1]
		return &fileOutput{
			ContentType:        "text/csv; charset=utf-8",
			ContentDisposition: attachment(f.Name),
			Parts:              strconv.Itoa(f.Parts),
			Warnings:           strconv.Itoa(len(res.Warnings)),
			Body:               f.Data,
		}, nil
	})
}

func registerCampaigns(api huma.API, e engine.Engine, gate *campaignGate) {
	huma.Register(api, huma.Operation{
		OperationID: "run-campaign",
		Method:      http.MethodPost,
		Path:        "/campaigns",
		Summary:     "Run a campaign over procesado leads and wait for it to finish",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RunCampaignRequest
	}) (*struct {
		Body CampaignLogResponse `json:"body"`
	}, error) {
		if !gate.acquire() {
			return nil, newAPIError(http.StatusConflict, "campaign_running", "a campaign is already running", nil)
		}
		defer gate.release()
		clog, err := e.RunCampaign(ctx, engine.CampaignOptions{Subject: input.Body.Subject, Body: input.Body.Body}, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampaignLogResponse `json:"body"`
		}{Body: campaignLogResponse(clog)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaign logs, most recent first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CampaignLogResponse `json:"body"`
	}, error) {
		logs, err := e.CampaignLogs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CampaignLogResponse `json:"body"`
		}{Body: campaignLogResponses(logs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaigns/{id}",
		Summary:     "Get a campaign log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CampaignLogResponse `json:"body"`
	}, error) {
		clog, err := e.CampaignLog(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CampaignLogResponse `json:"body"`
		}{Body: campaignLogResponse(clog)}, nil
	})
}

func registerRegistry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-identities",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "List known conjunto identity keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		keys, err := e.KnownIdentities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: keys}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"lead,search,template,campaign"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, EventResponse(evt))
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
	if in > 500 {
		return 500
	}
	return in
}
