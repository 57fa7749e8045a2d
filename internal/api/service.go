// Package api provides the HTTP handlers for the goal market: agents,
// goals and their updates, daily tasks, and market events.
//
// Goal creation, updates and task completion trigger market events
// asynchronously; the response carries the pending event id for polling.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/goal"
	"github.com/atmx/goal-market/internal/market"
	"github.com/atmx/goal-market/internal/metrics"
	"github.com/atmx/goal-market/internal/model"
	"github.com/atmx/goal-market/internal/store"
	"github.com/atmx/goal-market/internal/task"
)

// Service handles goal market operations.
type Service struct {
	store       store.Store
	orch        *market.Orchestrator
	payout      decimal.Decimal
	initialCash decimal.Decimal
	tasks       *task.Generator
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTaskGenerator sets how daily tasks are planned. Without it every
// batch is task.DefaultPlan.
func WithTaskGenerator(g *task.Generator) Option {
	return func(s *Service) { s.tasks = g }
}

// NewService creates a new API service. payout is the default goal payout
// and initialCash the default starting balance for new agents.
func NewService(st store.Store, orch *market.Orchestrator, payout, initialCash decimal.Decimal, opts ...Option) *Service {
	s := &Service{
		store:       st,
		orch:        orch,
		payout:      payout,
		initialCash: initialCash,
		tasks:       task.NewGenerator(nil, 0),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes mounts every handler on r, which is expected to be /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/agents", s.ListAgents)
	r.Post("/agents", s.RegisterAgent)
	r.Get("/agents/{agentID}", s.GetAgent)

	r.Get("/goals", s.ListGoals)
	r.Post("/goals", s.CreateGoal)
	r.Get("/goals/{goalID}", s.GetGoal)
	r.Post("/goals/{goalID}/resolve", s.ResolveGoal)
	r.Get("/goals/{goalID}/updates", s.ListUpdates)
	r.Post("/goals/{goalID}/updates", s.AppendUpdate)
	r.Get("/goals/{goalID}/events", s.ListEvents)
	r.Get("/goals/{goalID}/events/{updateID}", s.GetEventForUpdate)
	r.Post("/goals/{goalID}/events/{updateID}", s.Retrigger)
	r.Post("/goals/{goalID}/generate-tasks", s.GenerateTasks)
	r.Get("/goals/{goalID}/daily-tasks", s.ListTasks)
	r.Post("/goals/{goalID}/complete-task/{taskID}", s.CompleteTask)

	r.Get("/events/{eventID}", s.GetEvent)
}

// --- Request/Response types ---

// RegisterAgentRequest is the JSON body for POST /agents.
type RegisterAgentRequest struct {
	Name string           `json:"name"`
	Cash *decimal.Decimal `json:"cash,omitempty"` // nil → configured default
}

// CreateGoalRequest is the JSON body for POST /goals.
type CreateGoalRequest struct {
	Description  string           `json:"description"`
	TargetDate   string           `json:"target_date"`             // YYYY-MM-DD
	PayoutAmount *decimal.Decimal `json:"payout_amount,omitempty"` // nil → configured default
}

// AppendUpdateRequest is the JSON body for POST /goals/{goalID}/updates.
type AppendUpdateRequest struct {
	Content       string `json:"content"`
	EffectiveDate string `json:"effective_date,omitempty"` // YYYY-MM-DD, default today
}

// ResolveGoalRequest is the JSON body for POST /goals/{goalID}/resolve.
type ResolveGoalRequest struct {
	Outcome string `json:"outcome"` // success or failure
}

// GenerateTasksResponse is returned with 201 by POST /goals/{goalID}/generate-tasks.
type GenerateTasksResponse struct {
	GoalID string            `json:"goal_id"`
	Tasks  []model.DailyTask `json:"tasks"`
	Count  int               `json:"count"`
}

// TriggerResponse is returned with 202 whenever a market event starts.
type TriggerResponse struct {
	Goal    *model.Goal      `json:"goal,omitempty"`
	Update  *model.Update    `json:"update,omitempty"`
	Task    *model.DailyTask `json:"task,omitempty"`
	EventID string           `json:"event_id"`
	Status  string           `json:"status"`
}

// --- Agents ---

// RegisterAgent handles POST /api/v1/agents
func (s *Service) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cash := s.initialCash
	if req.Cash != nil {
		cash = *req.Cash
	}

	agent, err := s.registerAgent(r.Context(), req.Name, cash)
	if err != nil {
		if errors.Is(err, errInvalidAgent) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to register agent", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

var errInvalidAgent = errors.New("api: agent needs a name and non-negative cash")

func (s *Service) registerAgent(ctx context.Context, name string, cash decimal.Decimal) (*model.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" || cash.IsNegative() {
		return nil, errInvalidAgent
	}
	agent := &model.Agent{
		ID:        uuid.New().String(),
		Name:      name,
		Cash:      cash,
		Positions: map[string]int64{},
		Memory:    map[string]string{},
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	slog.Info("agent registered", "id", agent.ID, "name", name, "cash", cash.String())
	return agent, nil
}

// SeedAgents registers names with the default cash when the roster is empty.
func (s *Service) SeedAgents(ctx context.Context, names []string) error {
	existing, err := s.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, name := range names {
		if _, err := s.registerAgent(ctx, name, s.initialCash); err != nil {
			return err
		}
	}
	return nil
}

// ListAgents handles GET /api/v1/agents
// Returns agents in roster order.
func (s *Service) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, "failed to list agents", http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// GetAgent handles GET /api/v1/agents/{agentID}
func (s *Service) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeStoreError(w, "agent", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- Goals and updates ---

// CreateGoal handles POST /api/v1/goals
// Creates the goal and starts its creation market event (update id 0).
func (s *Service) CreateGoal(w http.ResponseWriter, r *http.Request) {
	var req CreateGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	payout := s.payout
	if req.PayoutAmount != nil {
		payout = *req.PayoutAmount
	}

	g, err := goal.New(req.Description, req.TargetDate, payout, s.now())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.CreateGoal(ctx, g); err != nil {
		writeError(w, "failed to create goal", http.StatusInternalServerError)
		return
	}
	slog.Info("goal created", "id", g.ID, "target_date", goal.FormatDate(g.TargetDate))

	ev, err := s.orch.Start(ctx, model.Trigger{Goal: *g, UpdateID: model.CreationUpdateID})
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Goal: g, EventID: ev.ID, Status: string(ev.Status)})
}

// ListGoals handles GET /api/v1/goals
func (s *Service) ListGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := s.store.ListGoals(r.Context())
	if err != nil {
		writeError(w, "failed to list goals", http.StatusInternalServerError)
		return
	}
	if goals == nil {
		goals = []model.Goal{}
	}

	// Optional filter by status query parameter.
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Goal{}
		for _, g := range goals {
			if g.Status == status {
				filtered = append(filtered, g)
			}
		}
		goals = filtered
	}
	writeJSON(w, http.StatusOK, goals)
}

// GetGoal handles GET /api/v1/goals/{goalID}
func (s *Service) GetGoal(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGoal(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ResolveGoal handles POST /api/v1/goals/{goalID}/resolve
// Records the outcome and closes the goal to further market events.
func (s *Service) ResolveGoal(w http.ResponseWriter, r *http.Request) {
	var req ResolveGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	g, err := s.store.GetGoal(ctx, chi.URLParam(r, "goalID"))
	if err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	if err := goal.Resolve(g, req.Outcome); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, goal.ErrAlreadyResolved) {
			status = http.StatusConflict
		}
		writeError(w, err.Error(), status)
		return
	}
	if err := s.store.SaveGoal(ctx, g); err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	slog.Info("goal resolved", "id", g.ID, "outcome", g.Outcome)

	// Return the stored record, which carries the settled market price.
	saved, err := s.store.GetGoal(ctx, g.ID)
	if err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// AppendUpdate handles POST /api/v1/goals/{goalID}/updates
// Stores the update and starts a market event for it.
func (s *Service) AppendUpdate(w http.ResponseWriter, r *http.Request) {
	var req AppendUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	g, err := s.store.GetGoal(ctx, chi.URLParam(r, "goalID"))
	if err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	if g.Status != model.GoalActive {
		writeError(w, "goal is not active", http.StatusConflict)
		return
	}

	u, err := goal.NewUpdate(g.ID, req.Content, req.EffectiveDate, s.now())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.AppendUpdate(ctx, u); err != nil {
		writeError(w, "failed to store update", http.StatusInternalServerError)
		return
	}

	ev, err := s.trigger(ctx, g, u.ID)
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Update: u, EventID: ev.ID, Status: string(ev.Status)})
}

// ListUpdates handles GET /api/v1/goals/{goalID}/updates
func (s *Service) ListUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := s.store.ListUpdates(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, "failed to list updates", http.StatusInternalServerError)
		return
	}
	if updates == nil {
		updates = []model.Update{}
	}
	writeJSON(w, http.StatusOK, updates)
}

// --- Daily tasks ---

// GenerateTasks handles POST /api/v1/goals/{goalID}/generate-tasks
// Plans a batch of tasks for today from the goal and its updates.
func (s *Service) GenerateTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, err := s.store.GetGoal(ctx, chi.URLParam(r, "goalID"))
	if err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	if g.Status != model.GoalActive {
		writeError(w, "goal is not active", http.StatusConflict)
		return
	}
	updates, err := s.store.ListUpdates(ctx, g.ID)
	if err != nil {
		writeError(w, "failed to list updates", http.StatusInternalServerError)
		return
	}

	batch := s.tasks.Generate(ctx, *g, updates, s.now())
	if err := s.store.AddTasks(ctx, g.ID, batch); err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	metrics.TasksTotal.WithLabelValues("generated").Add(float64(len(batch)))
	slog.Info("daily tasks generated", "goal_id", g.ID, "count", len(batch))

	tasks := make([]model.DailyTask, len(batch))
	for i, t := range batch {
		tasks[i] = *t
	}
	writeJSON(w, http.StatusCreated, GenerateTasksResponse{GoalID: g.ID, Tasks: tasks, Count: len(tasks)})
}

// ListTasks handles GET /api/v1/goals/{goalID}/daily-tasks
func (s *Service) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []model.DailyTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CompleteTask handles POST /api/v1/goals/{goalID}/complete-task/{taskID}
// Marks the task done, files it as a progress update and starts a market
// event for that update.
func (s *Service) CompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		writeError(w, "invalid task id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	g, err := s.store.GetGoal(ctx, chi.URLParam(r, "goalID"))
	if err != nil {
		writeStoreError(w, "goal", err)
		return
	}
	if g.Status != model.GoalActive {
		writeError(w, "goal is not active", http.StatusConflict)
		return
	}

	now := s.now()
	t, err := s.store.CompleteTask(ctx, g.ID, taskID, now)
	if err != nil {
		if errors.Is(err, store.ErrTaskCompleted) {
			writeError(w, "task already completed", http.StatusConflict)
			return
		}
		writeStoreError(w, "task", err)
		return
	}
	metrics.TasksTotal.WithLabelValues("completed").Inc()

	u, err := goal.NewUpdate(g.ID, task.CompletionContent(*t), "", now)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.AppendUpdate(ctx, u); err != nil {
		writeError(w, "failed to store update", http.StatusInternalServerError)
		return
	}

	ev, err := s.trigger(ctx, g, u.ID)
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Task: t, Update: u, EventID: ev.ID, Status: string(ev.Status)})
}

// --- Market events ---

// Retrigger handles POST /api/v1/goals/{goalID}/events/{updateID}
// Runs a fresh market event for an existing trigger; history is append-only.
func (s *Service) Retrigger(w http.ResponseWriter, r *http.Request) {
	updateID, err := strconv.ParseInt(chi.URLParam(r, "updateID"), 10, 64)
	if err != nil {
		writeError(w, "invalid update id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	g, err := s.store.GetGoal(ctx, chi.URLParam(r, "goalID"))
	if err != nil {
		writeStoreError(w, "goal", err)
		return
	}

	ev, err := s.trigger(ctx, g, updateID)
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{EventID: ev.ID, Status: string(ev.Status)})
}

// ListEvents handles GET /api/v1/goals/{goalID}/events
// Returns every market event for the goal in creation order.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListMarketEvents(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, "failed to list market events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.MarketEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEventForUpdate handles GET /api/v1/goals/{goalID}/events/{updateID}
// Returns the latest market event for the trigger.
func (s *Service) GetEventForUpdate(w http.ResponseWriter, r *http.Request) {
	updateID, err := strconv.ParseInt(chi.URLParam(r, "updateID"), 10, 64)
	if err != nil {
		writeError(w, "invalid update id", http.StatusBadRequest)
		return
	}
	ev, err := s.store.LoadMarketEvent(r.Context(), chi.URLParam(r, "goalID"), updateID)
	if err != nil {
		writeStoreError(w, "market event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// GetEvent handles GET /api/v1/events/{eventID}
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetMarketEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeStoreError(w, "market event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Service) trigger(ctx context.Context, g *model.Goal, updateID int64) (*model.MarketEvent, error) {
	updates, err := s.store.ListUpdates(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	return s.orch.Start(ctx, model.Trigger{Goal: *g, Updates: updates, UpdateID: updateID})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	slog.Error("store read failed", "resource", what, "err", err)
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrGoalNotActive):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, market.ErrUnknownUpdate):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error("market event not started", "err", err)
		writeError(w, "failed to start market event", http.StatusInternalServerError)
	}
}
