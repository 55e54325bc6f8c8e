package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/shipyard-labs/shipyard-go/internal/pipeline"
	"github.com/shipyard-labs/shipyard-go/internal/platform/auth"
	"github.com/shipyard-labs/shipyard-go/internal/platform/httpserver"
	"github.com/shipyard-labs/shipyard-go/internal/platform/requestid"
	"github.com/shipyard-labs/shipyard-go/internal/repo"
	"github.com/shipyard-labs/shipyard-go/internal/service/runs"
	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

// varQueryPrefix marks query parameters that override pipeline vars.
const varQueryPrefix = "var."

type runService interface {
	Submit(ctx context.Context, in runs.SubmitInput) (repo.RunRecord, error)
	Get(ctx context.Context, id string) (repo.RunRecord, error)
	List(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error)
	Jobs(ctx context.Context, id string) ([]repo.JobExecutionRecord, error)
	Cancel(ctx context.Context, id, reason string, info runs.AuditInfo) (repo.RunRecord, error)
	LogURL(ctx context.Context, id string) (string, error)
}

type workflowsAPI struct {
	logger          *slog.Logger
	svc             runService
	maxPipelineSize int64
	doc             *openapi3.T
}

func newWorkflowsAPI(logger *slog.Logger, svc runService, maxPipelineSize int64) *workflowsAPI {
	if maxPipelineSize <= 0 {
		maxPipelineSize = 512 << 10
	}
	return &workflowsAPI{
		logger:          logger,
		svc:             svc,
		maxPipelineSize: maxPipelineSize,
		doc:             openAPIDocument(),
	}
}

func (api *workflowsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", api.handleSubmitRun)
	mux.HandleFunc("GET /v1/runs", api.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/jobs", api.handleListJobs)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/logs", api.handleRunLogs)
	mux.HandleFunc("GET /openapi.json", api.handleOpenAPI)
}

type runResponse struct {
	RunID           string          `json:"run_id"`
	Pipeline        string          `json:"pipeline"`
	Status          string          `json:"status"`
	Vars            json.RawMessage `json:"vars,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	Error           string          `json:"error,omitempty"`
	LogAvailable    bool            `json:"log_available"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

type jobResponse struct {
	ExecutionID string          `json:"execution_id"`
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	Logs        []string        `json:"logs"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func toRunResponse(run repo.RunRecord) runResponse {
	return runResponse{
		RunID:           run.ID,
		Pipeline:        run.Pipeline,
		Status:          string(run.Status),
		Vars:            run.Vars,
		CreatedBy:       run.CreatedBy,
		CancelRequested: run.CancelRequested,
		CancelReason:    run.CancelReason,
		Error:           run.ErrorMessage,
		LogAvailable:    run.LogObjectKey != "",
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}
}

func toJobResponse(job repo.JobExecutionRecord) jobResponse {
	logs := job.Logs
	if logs == nil {
		logs = []string{}
	}
	return jobResponse{
		ExecutionID: job.ID,
		JobID:       job.JobID,
		Status:      job.Status,
		Message:     job.Message,
		Logs:        logs,
		Outputs:     job.Outputs,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	}
}

func (api *workflowsAPI) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.maxPipelineSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "pipeline_too_large")
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}

	run, err := api.svc.Submit(r.Context(), runs.SubmitInput{
		PipelineYAML: body,
		Vars:         varsFromQuery(r),
		Audit:        auditInfo(r),
	})
	if err != nil {
		api.writeServiceError(w, r, "submit run", err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	httpserver.WriteJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (api *workflowsAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.RunFilter{
		Pipeline: strings.TrimSpace(q.Get("pipeline")),
		Status:   repo.RunStatus(strings.TrimSpace(q.Get("status"))),
	}
	switch filter.Status {
	case "", repo.RunQueued, repo.RunRunning, repo.RunSucceeded, repo.RunFailed, repo.RunCancelled:
	default:
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}

	records, err := api.svc.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, "list runs", err)
		return
	}
	out := make([]runResponse, 0, len(records))
	for _, run := range records {
		out = append(out, toRunResponse(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *workflowsAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.svc.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, "get run", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *workflowsAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	records, err := api.svc.Jobs(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, "list jobs", err)
		return
	}
	out := make([]jobResponse, 0, len(records))
	for _, job := range records {
		out = append(out, toJobResponse(job))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (api *workflowsAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, 16<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	run, err := api.svc.Cancel(r.Context(), r.PathValue("run_id"), strings.TrimSpace(req.Reason), auditInfo(r))
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			httpserver.WriteJSON(w, http.StatusConflict, map[string]any{
				"error":      "run_already_finished",
				"status":     string(run.Status),
				"request_id": requestid.FromContext(r.Context()),
			})
			return
		}
		api.writeServiceError(w, r, "cancel run", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (api *workflowsAPI) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	url, err := api.svc.LogURL(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, "run log url", err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (api *workflowsAPI) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, api.doc)
}

// writeServiceError maps service and engine errors onto status codes.
// Validation failures echo their message; anything unexpected is logged and
// reported as internal.
func (api *workflowsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, runs.ErrLogNotAvailable):
		httpserver.WriteError(w, r, http.StatusNotFound, "log_not_available")
	case errors.Is(err, runs.ErrShuttingDown):
		httpserver.WriteError(w, r, http.StatusServiceUnavailable, "shutting_down")
	case errors.Is(err, pipeline.ErrInvalidSpec),
		errors.Is(err, workflow.ErrJobNotFound),
		errors.Is(err, workflow.ErrDependencyCycle),
		errors.Is(err, workflow.ErrJobValidation),
		errors.Is(err, workflow.ErrSerialization):
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_pipeline",
			"detail":     err.Error(),
			"request_id": requestid.FromContext(r.Context()),
		})
	default:
		api.logger.Error(op+" failed", "request_id", requestid.FromContext(r.Context()), "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func varsFromQuery(r *http.Request) map[string]any {
	var vars map[string]any
	for key, values := range r.URL.Query() {
		name, ok := strings.CutPrefix(key, varQueryPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if vars == nil {
			vars = map[string]any{}
		}
		vars[name] = queryScalar(values[len(values)-1])
	}
	return vars
}

// queryScalar keeps integers and true/false typed so conditions such as
// !vars.deploy behave the same as when the var is set in YAML.
func queryScalar(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

func auditInfo(r *http.Request) runs.AuditInfo {
	info := runs.AuditInfo{
		RequestID: requestid.FromContext(r.Context()),
		UserAgent: r.UserAgent(),
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		info.Actor = identity.Subject
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		info.IP = net.ParseIP(host)
	}
	return info
}
