package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/domain/supervision"
	"github.com/wardenhq/warden/internal/hub"
	"github.com/wardenhq/warden/internal/port/database"
	"github.com/wardenhq/warden/internal/port/messagequeue"
	"github.com/wardenhq/warden/internal/service"
)

// StatsSource provides hub stats snapshots.
type StatsSource interface {
	Stats() hub.Stats
}

// LLMHealth reports LLM proxy reachability.
type LLMHealth interface {
	Health(ctx context.Context) (bool, error)
}

// Handlers bundles the dependencies of all HTTP handlers.
type Handlers struct {
	store    database.Store
	stats    StatsSource
	reviewer *service.ReviewerService
	explain  *service.ExplainService
	queue    messagequeue.Queue
	llm      LLMHealth
}

// NewHandlers creates the handler set.
func NewHandlers(
	store database.Store,
	stats StatsSource,
	reviewer *service.ReviewerService,
	explain *service.ExplainService,
	queue messagequeue.Queue,
	llm LLMHealth,
) *Handlers {
	return &Handlers{
		store:    store,
		stats:    stats,
		reviewer: reviewer,
		explain:  explain,
		queue:    queue,
		llm:      llm,
	}
}

// --- Stats ---

func (h *Handlers) GetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

// --- Dashboard reads ---

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListRunRequestGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.ListRequestGroups(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handlers) GetRequestGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetRequestGroup(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "request group not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handlers) GetSupervisionRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.GetSupervisionRequest(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "supervision request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) GetSupervisionResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.GetSupervisionResult(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "supervision result not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Supervisor configuration ---

func (h *Handlers) ListSupervisors(w http.ResponseWriter, r *http.Request) {
	sups, err := h.store.ListSupervisors(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sups)
}

func (h *Handlers) GetSupervisor(w http.ResponseWriter, r *http.Request) {
	sup, err := h.store.GetSupervisor(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "supervisor not found")
		return
	}
	writeJSON(w, http.StatusOK, sup)
}

type createSupervisorRequest struct {
	Type        supervision.SupervisorType `json:"type"`
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
}

func (h *Handlers) CreateSupervisor(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSupervisorRequest](w, r)
	if !ok {
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown supervisor type")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	sup := supervision.Supervisor{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.CreateSupervisor(r.Context(), sup); err != nil {
		writeDomainError(w, err, "create supervisor failed")
		return
	}
	writeJSON(w, http.StatusCreated, sup)
}

func (h *Handlers) GetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.store.GetChain(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "chain not found")
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

type createChainRequest struct {
	ToolID        string   `json:"tool_id"`
	SupervisorIDs []string `json:"supervisor_ids"`
}

func (h *Handlers) CreateChain(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createChainRequest](w, r)
	if !ok {
		return
	}
	if req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "tool_id is required")
		return
	}
	if len(req.SupervisorIDs) == 0 {
		writeError(w, http.StatusBadRequest, "supervisor_ids is required")
		return
	}

	chain := supervision.Chain{
		ID:        uuid.NewString(),
		ToolID:    req.ToolID,
		CreatedAt: time.Now().UTC(),
	}
	for _, id := range req.SupervisorIDs {
		sup, err := h.store.GetSupervisor(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "supervisor "+id+" not found")
			return
		}
		chain.Supervisors = append(chain.Supervisors, *sup)
	}

	if err := h.store.CreateChain(r.Context(), chain); err != nil {
		writeDomainError(w, err, "create chain failed")
		return
	}
	writeJSON(w, http.StatusCreated, chain)
}

// --- Automated reviewer ---

func (h *Handlers) ListReviewerResults(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	results, err := h.reviewer.ListResults(r.Context(), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type promptResponse struct {
	Prompt string `json:"prompt"`
}

func (h *Handlers) GetReviewerPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := h.reviewer.GetPrompt(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promptResponse{Prompt: prompt})
}

func (h *Handlers) SetReviewerPrompt(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[promptResponse](w, r)
	if !ok {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if err := h.reviewer.SetPrompt(r.Context(), req.Prompt); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Explain ---

type explainRequest struct {
	Text string `json:"text"`
}

func (h *Handlers) Explain(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[explainRequest](w, r)
	if !ok {
		return
	}
	exp, err := h.explain.Explain(r.Context(), req.Text)
	if err != nil {
		writeDomainError(w, err, "explain failed")
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// --- Health ---

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	status := "ok"

	if err := h.store.Ping(r.Context()); err != nil {
		components["postgres"] = "down"
		status = "degraded"
	} else {
		components["postgres"] = "ok"
	}

	if h.queue != nil && h.queue.IsConnected() {
		components["nats"] = "ok"
	} else {
		components["nats"] = "down"
		status = "degraded"
	}

	if h.llm != nil {
		if ok, _ := h.llm.Health(r.Context()); ok {
			components["llm"] = "ok"
		} else {
			components["llm"] = "down"
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Components: components})
}
