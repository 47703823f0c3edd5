// Package api exposes the convoy core over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberlight/convoy/internal/agent"
	"github.com/emberlight/convoy/internal/analytics"
	"github.com/emberlight/convoy/internal/executor"
	"github.com/emberlight/convoy/internal/fault"
	"github.com/emberlight/convoy/internal/memory"
	"github.com/emberlight/convoy/internal/orchestrator"
	"github.com/emberlight/convoy/internal/scheduler"
	"github.com/emberlight/convoy/internal/store"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	exec     *executor.Executor
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	metrics  *analytics.Service
	memories *memory.Service
	logger   *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	st *store.Store,
	exec *executor.Executor,
	orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler,
	metrics *analytics.Service,
	memories *memory.Service,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:    st,
		exec:     exec,
		orch:     orch,
		sched:    sched,
		metrics:  metrics,
		memories: memories,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/agents", h.createAgent)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Put("/agents/{id}", h.updateAgent)
		r.Delete("/agents/{id}", h.deleteAgent)
		r.Get("/agents/{id}/tasks", h.listAgentTasks)
		r.Get("/agents/{id}/messages", h.agentMessages)

		r.Post("/tasks", h.createTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Get("/tasks/{id}/steps", h.taskSteps)
		r.Post("/tasks/{id}/execute", h.executeTask)
		r.Post("/tasks/{id}/retry", h.retryTask)
		r.Post("/tasks/{id}/cancel", h.cancelTask)

		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/runs", h.activeRuns)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Delete("/workflows/{id}", h.deleteWorkflow)
		r.Post("/workflows/{id}/execute", h.executeWorkflow)

		r.Post("/messages", h.sendMessage)

		r.Post("/schedules", h.createSchedule)
		r.Get("/schedules/upcoming", h.upcomingSchedules)
		r.Post("/schedules/{id}/trigger", h.triggerSchedule)
		r.Post("/schedules/{id}/pause", h.pauseSchedule)
		r.Post("/schedules/{id}/resume", h.resumeSchedule)

		r.Post("/agents/{id}/memories", h.storeMemory)
		r.Get("/agents/{id}/memories", h.retrieveMemories)
		r.Get("/agents/{id}/memories/context", h.memoryContext)
		r.Post("/agents/{id}/memories/consolidate", h.consolidateMemories)
		r.Post("/agents/{id}/memories/forget", h.forgetMemories)

		r.Route("/agents/{id}/analytics", func(r chi.Router) {
			r.Get("/performance", h.agentPerformance)
			r.Get("/trends", h.executionTrends)
			r.Get("/tools", h.toolStats)
			r.Get("/errors", h.errorAnalysis)
			r.Get("/tokens", h.tokenAnalysis)
			r.Get("/alerts", h.alerts)
			r.Get("/suggestions", h.suggestions)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID identifies the caller. Authentication is handled upstream; the
// gateway forwards the resolved identity in a header.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "default"
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	if strings.TrimSpace(a.Name) == "" {
		writeErr(w, fault.Validation("name", "is required"))
		return
	}
	now := time.Now()
	a.ID = uuid.New().String()
	a.UserID = userID(r)
	a.Active = true
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := h.store.CreateAgent(r.Context(), &a); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if a == nil {
		writeErr(w, fault.NotFound("agent", id))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) updateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if existing == nil || existing.UserID != userID(r) {
		writeErr(w, fault.NotFound("agent", id))
		return
	}

	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	// Identity is immutable.
	a.ID = existing.ID
	a.UserID = existing.UserID
	a.CreatedAt = existing.CreatedAt
	if err := h.store.UpdateAgent(r.Context(), &a); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) deleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if existing == nil || existing.UserID != userID(r) {
		writeErr(w, fault.NotFound("agent", id))
		return
	}
	if err := h.store.DeleteAgent(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAgentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	AgentID     string         `json:"agent_id"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	t, err := h.exec.Create(r.Context(), req.AgentID, req.Description, req.Input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.exec.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) taskSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.exec.Steps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) executeTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.exec.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.exec.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.exec.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf orchestrator.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	created, err := h.orch.CreateWorkflow(r.Context(), userID(r), &wf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.orch.ListWorkflows(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.orch.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.DeleteWorkflow(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeWorkflowRequest struct {
	Input map[string]any `json:"input"`
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeWorkflowRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, fault.Validation("body", err.Error()))
			return
		}
	}
	run, err := h.orch.ExecuteWorkflow(r.Context(), chi.URLParam(r, "id"), req.Input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) activeRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.ActiveRuns())
}

type sendMessageRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	if req.To == "" {
		writeErr(w, fault.Validation("to", "is required"))
		return
	}
	msg := h.orch.Mailbox.Send(req.From, req.To, req.Content)
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) agentMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Mailbox.MessagesFor(chi.URLParam(r, "id")))
}

type createScheduleRequest struct {
	AgentID     string           `json:"agent_id"`
	Description string           `json:"description"`
	Type        string           `json:"type"`
	Config      scheduler.Config `json:"config"`
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	sc, err := h.sched.Create(r.Context(), userID(r), req.AgentID, req.Description, req.Type, req.Config)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *Handler) upcomingSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.sched.Upcoming(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *Handler) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	var extra map[string]any
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&extra); err != nil {
			writeErr(w, fault.Validation("body", err.Error()))
			return
		}
	}
	t, err := h.sched.Trigger(r.Context(), chi.URLParam(r, "id"), extra)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.sched.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.sched.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type storeMemoryRequest struct {
	Content    map[string]any    `json:"content"`
	Type       memory.Type       `json:"type"`
	Importance memory.Importance `json:"importance"`
	Tags       []string          `json:"tags"`
	Metadata   map[string]string `json:"metadata"`
}

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	var req storeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	mgr := h.memories.ForAgent(chi.URLParam(r, "id"))
	rec, err := mgr.Store(r.Context(), req.Content, memory.Options{
		Type:       req.Type,
		Importance: req.Importance,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) retrieveMemories(w http.ResponseWriter, r *http.Request) {
	mgr := h.memories.ForAgent(chi.URLParam(r, "id"))
	records, err := mgr.Retrieve(r.Context(), r.URL.Query().Get("query"), memory.Query{
		Type:  memory.Type(r.URL.Query().Get("type")),
		Limit: queryInt(r, "limit"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) memoryContext(w http.ResponseWriter, r *http.Request) {
	mgr := h.memories.ForAgent(chi.URLParam(r, "id"))
	bundle, err := mgr.GetContext(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *Handler) consolidateMemories(w http.ResponseWriter, r *http.Request) {
	mgr := h.memories.ForAgent(chi.URLParam(r, "id"))
	n, err := mgr.Consolidate(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"promoted": n})
}

type forgetRequest struct {
	OlderThanDays   int `json:"older_than_days"`
	ImportanceBelow int `json:"importance_below"`
}

func (h *Handler) forgetMemories(w http.ResponseWriter, r *http.Request) {
	var req forgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fault.Validation("body", err.Error()))
		return
	}
	if req.OlderThanDays <= 0 {
		writeErr(w, fault.Validation("older_than_days", "must be positive"))
		return
	}
	floor := memory.Importance(req.ImportanceBelow)
	if floor <= 0 {
		floor = memory.High
	}
	mgr := h.memories.ForAgent(chi.URLParam(r, "id"))
	n, err := mgr.Forget(r.Context(), time.Duration(req.OlderThanDays)*24*time.Hour, floor)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) agentPerformance(w http.ResponseWriter, r *http.Request) {
	report, err := h.metrics.GetAgentPerformance(r.Context(), chi.URLParam(r, "id"))
	writeReport(w, report, err)
}

func (h *Handler) executionTrends(w http.ResponseWriter, r *http.Request) {
	report, err := h.metrics.GetExecutionTrends(r.Context(), chi.URLParam(r, "id"))
	writeReport(w, report, err)
}

func (h *Handler) toolStats(w http.ResponseWriter, r *http.Request) {
	report, err := h.metrics.GetToolStats(r.Context(), chi.URLParam(r, "id"))
	writeReport(w, report, err)
}

func (h *Handler) errorAnalysis(w http.ResponseWriter, r *http.Request) {
	report, err := h.metrics.GetErrorAnalysis(r.Context(), chi.URLParam(r, "id"))
	writeReport(w, report, err)
}

func (h *Handler) tokenAnalysis(w http.ResponseWriter, r *http.Request) {
	report, err := h.metrics.GetTokenAnalysis(r.Context(), chi.URLParam(r, "id"))
	writeReport(w, report, err)
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	report, err := h.metrics.GetAlerts(r.Context(), chi.URLParam(r, "id"))
	writeReport(w, report, err)
}

func (h *Handler) suggestions(w http.ResponseWriter, r *http.Request) {
	report, err := h.metrics.GetSuggestions(r.Context(), chi.URLParam(r, "id"))
	writeReport(w, report, err)
}

func writeReport(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps the fault taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case fault.IsValidation(err):
		status = http.StatusBadRequest
	case fault.IsNotFound(err):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
