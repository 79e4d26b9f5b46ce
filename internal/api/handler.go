package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/halcyonlabs/specforge/internal/dispatch"
	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/halcyonlabs/specforge/internal/graph"
	"github.com/halcyonlabs/specforge/internal/guardian"
	"github.com/halcyonlabs/specforge/internal/orchestrator"
	"github.com/halcyonlabs/specforge/internal/phase"
	"go.uber.org/zap"
)

// GraphMirror is the Neo4j projection consulted for lineage views.
// Nil when the mirror is not configured; the routes degrade to 503.
type GraphMirror interface {
	Lineage(ctx context.Context, taskID uuid.UUID) ([]string, error)
	LongestChain(ctx context.Context, specID uuid.UUID) (int, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	machine  *phase.Machine
	graph    *graph.Store
	disp     *dispatch.Dispatcher
	watchdog *guardian.Guardian
	mirror   GraphMirror
	logger   *zap.Logger
}

// NewHandler creates the API handler. mirror may be nil.
func NewHandler(orch *orchestrator.Orchestrator, machine *phase.Machine, g *graph.Store, disp *dispatch.Dispatcher, watchdog *guardian.Guardian, mirror GraphMirror, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, machine: machine, graph: g, disp: disp, watchdog: watchdog, mirror: mirror, logger: logger}
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/specs", h.submitSpec)
		r.Get("/specs", h.listSpecs)
		r.Get("/specs/{id}", h.getSpec)
		r.Get("/specs/{id}/history", h.specHistory)
		r.Post("/specs/{id}/advance", h.advancePhase)
		r.Post("/specs/{id}/approve", h.approvePhase)
		r.Post("/specs/{id}/pause", h.pauseSpec)
		r.Post("/specs/{id}/resume", h.resumeSpec)

		r.Get("/specs/{id}/graph", h.specGraph)
		r.Post("/specs/{id}/tasks", h.addTask)
		r.Post("/specs/{id}/tasks/{taskID}/priority", h.overridePriority)
		r.Get("/specs/{id}/tasks/{taskID}/lineage", h.taskLineage)
		r.Get("/specs/{id}/attempts", h.listAttempts)

		r.Post("/discoveries", h.recordDiscovery)
		r.Post("/attempts/{id}/interventions", h.intervene)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "specforge"})
}

func (h *Handler) submitSpec(w http.ResponseWriter, r *http.Request) {
	var spec domain.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	admitted := h.orch.SubmitSpec(r.Context(), &spec)
	writeJSON(w, http.StatusCreated, admitted)
}

func (h *Handler) listSpecs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.machine.List())
}

func (h *Handler) getSpec(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	spec, err := h.machine.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (h *Handler) specHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	history, err := h.machine.History(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type advanceRequest struct {
	To domain.Phase `json:"to"`
}

func (h *Handler) advancePhase(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.machine.Advance(r.Context(), id, req.To); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	spec, _ := h.machine.Get(id)
	writeJSON(w, http.StatusOK, spec)
}

func (h *Handler) approvePhase(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	var approval domain.Approval
	if err := json.NewDecoder(r.Body).Decode(&approval); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.machine.Approve(id, approval); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) pauseSpec(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.orch.Pause(r.Context(), id, req.Reason); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) resumeSpec(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	if err := h.orch.Resume(r.Context(), id); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handler) specGraph(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	view := map[string]interface{}{
		"tasks":    h.graph.Tasks(id),
		"metadata": h.graph.Metadata(id),
	}
	if h.mirror != nil {
		depth, err := h.mirror.LongestChain(r.Context(), id)
		if err != nil {
			h.logger.Warn("mirror chain query failed", zap.Error(err))
		} else {
			view["mirror_chain_length"] = depth
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) taskLineage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	if h.mirror == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "graph mirror not configured"})
		return
	}
	if _, err := h.graph.Task(id, taskID); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	ancestors, err := h.mirror.Lineage(r.Context(), taskID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   taskID,
		"ancestors": ancestors,
	})
}

type addTaskRequest struct {
	Description string             `json:"description"`
	Mode        domain.ExecMode    `json:"mode"`
	Priority    int                `json:"priority"`
	DependsOn   []uuid.UUID        `json:"depends_on"`
	Blocks      []uuid.UUID        `json:"blocks"`
	Criteria    []domain.Criterion `json:"criteria"`
}

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	task := &domain.Task{
		ID:          uuid.New(),
		SpecID:      id,
		Description: req.Description,
		Mode:        req.Mode,
		Priority:    req.Priority,
		Criteria:    req.Criteria,
	}
	if task.Mode == "" {
		task.Mode = domain.ModeImplementation
	}
	if err := h.orch.AddTask(r.Context(), task, req.DependsOn, req.Blocks); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	created, _ := h.graph.Task(id, task.ID)
	writeJSON(w, http.StatusCreated, created)
}

type priorityRequest struct {
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`
}

func (h *Handler) overridePriority(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.watchdog.OverridePriority(r.Context(), id, taskID, req.Priority, req.Reason); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	task, _ := h.graph.Task(id, taskID)
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.specID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.disp.ActiveForSpecList(id))
}

func (h *Handler) recordDiscovery(w http.ResponseWriter, r *http.Request) {
	var d domain.Discovery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	taskID, err := h.orch.RecordDiscovery(r.Context(), d)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID.String()})
}

func (h *Handler) intervene(w http.ResponseWriter, r *http.Request) {
	attemptID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid attempt id"})
		return
	}
	var iv domain.Intervention
	if err := json.NewDecoder(r.Body).Decode(&iv); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	iv.ID = uuid.New()
	iv.AttemptID = attemptID
	if iv.IssuedBy == "" {
		iv.IssuedBy = "operator"
	}
	if err := h.disp.Intervene(r.Context(), iv); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, iv)
}

func (h *Handler) specID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid spec id"})
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps domain sentinels to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSpecNotFound),
		errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrAttemptNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCycleRejected),
		errors.Is(err, domain.ErrDuplicateRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrApprovalRequired):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrPhaseGateFailed),
		errors.Is(err, domain.ErrPhaseTransition),
		errors.Is(err, domain.ErrAttemptActive),
		errors.Is(err, domain.ErrAttemptStuck),
		errors.Is(err, domain.ErrTerminalStatus),
		errors.Is(err, domain.ErrAttemptFailed),
		errors.Is(err, domain.ErrSpecPaused):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
