package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/codeck/daemon/internal/memory"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Runner spawns one headless execution of an agent and returns its
// outcome. Implemented by runner.go; split out as an interface so the
// scheduler's queueing logic can be tested without spawning real
// processes.
type Runner interface {
	Run(ctx context.Context, cfg Config) (ExecutionRecord, []byte, error)
}

// Broadcaster is notified of agent state changes so the Gateway layer can
// push them to connected WebSocket clients. Implementations must not
// block.
type Broadcaster interface {
	BroadcastAgentUpdate(agentID string)
}

// Scheduler owns the live agent set, their cron schedules, and the
// per-cwd mutual-exclusion queues that serialize agents sharing a working
// directory.
type Scheduler struct {
	mu     sync.Mutex
	agents map[string]*liveAgent

	currentByCwd map[string]string
	queueByCwd   map[string][]string

	store   *Store
	history *HistoryStore
	runner  Runner
	bcast   Broadcaster
	log     *slog.Logger

	maxAgents int

	done chan struct{}
	wg   sync.WaitGroup
}

type liveAgent struct {
	cfg      Config
	state    State
	schedule cron.Schedule
}

type Options struct {
	Store       *Store
	History     *HistoryStore
	Runner      Runner
	Broadcaster Broadcaster
	Logger      *slog.Logger
	MaxAgents   int
}

func NewScheduler(opts Options) (*Scheduler, error) {
	maxAgents := opts.MaxAgents
	if maxAgents <= 0 {
		maxAgents = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		agents:       make(map[string]*liveAgent),
		currentByCwd: make(map[string]string),
		queueByCwd:   make(map[string][]string),
		store:        opts.Store,
		history:      opts.History,
		runner:       opts.Runner,
		bcast:        opts.Broadcaster,
		log:          logger,
		maxAgents:    maxAgents,
		done:         make(chan struct{}),
	}

	entries, err := opts.Store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load agent manifest: %w", err)
	}
	for id, e := range entries {
		la := &liveAgent{cfg: e.Config, state: e.State}
		if e.State.Status == StatusActive {
			if sched, err := cronParser.Parse(e.Config.CronExpr); err == nil {
				la.schedule = sched
			} else {
				logger.Warn("invalid cron expression on load, pausing agent", "agent_id", id, "error", err)
				la.state.Status = StatusPaused
			}
		}
		s.agents[id] = la
	}

	s.wg.Add(1)
	go s.tickLoop()

	return s, nil
}

func (s *Scheduler) Close() {
	close(s.done)
	s.wg.Wait()
}

// Create registers a new agent, enforcing MAX_AGENTS and running the
// objective hygiene scan (warn-only).
func (s *Scheduler) Create(cfg Config) (Agent, []string, error) {
	s.mu.Lock()
	if len(s.agents) >= s.maxAgents {
		s.mu.Unlock()
		return Agent{}, nil, fmt.Errorf("maximum agents reached: %d", s.maxAgents)
	}
	s.mu.Unlock()

	warnings := ScanObjective(cfg.Objective)
	if len(warnings) > 0 {
		s.log.Warn("objective hygiene warning", "agent_name", cfg.Name, "patterns", warnings)
	}

	sched, err := cronParser.Parse(cfg.CronExpr)
	if err != nil {
		return Agent{}, warnings, fmt.Errorf("invalid cron expression: %w", err)
	}

	cfg.ID = uuid.NewString()
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	next := sched.Next(now)
	state := State{Status: StatusActive, NextRunAt: &next}

	if err := s.store.SaveAgent(cfg, state); err != nil {
		return Agent{}, warnings, err
	}

	s.mu.Lock()
	s.agents[cfg.ID] = &liveAgent{cfg: cfg, state: state, schedule: sched}
	ids := s.idsLocked()
	s.mu.Unlock()

	if err := s.store.SaveManifest(ids); err != nil {
		s.log.Warn("save agent manifest", "error", err)
	}

	return Agent{Config: cfg, State: state}, warnings, nil
}

// Update replaces an existing agent's config in place, preserving its id,
// createdAt, and run state, while re-parsing its cron expression the same
// way Create does.
func (s *Scheduler) Update(id string, cfg Config) (Agent, []string, error) {
	s.mu.Lock()
	la, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return Agent{}, nil, fmt.Errorf("agent not found: %s", id)
	}
	createdAt := la.cfg.CreatedAt
	state := la.state
	s.mu.Unlock()

	warnings := ScanObjective(cfg.Objective)
	if len(warnings) > 0 {
		s.log.Warn("objective hygiene warning", "agent_name", cfg.Name, "patterns", warnings)
	}

	sched, err := cronParser.Parse(cfg.CronExpr)
	if err != nil {
		return Agent{}, warnings, fmt.Errorf("invalid cron expression: %w", err)
	}

	cfg.ID = id
	cfg.CreatedAt = createdAt
	cfg.UpdatedAt = time.Now()

	if state.Status == StatusActive {
		next := sched.Next(time.Now())
		state.NextRunAt = &next
	}

	if err := s.store.SaveAgent(cfg, state); err != nil {
		return Agent{}, warnings, err
	}

	s.mu.Lock()
	s.agents[id] = &liveAgent{cfg: cfg, state: state, schedule: sched}
	s.mu.Unlock()

	return Agent{Config: cfg, State: state}, warnings, nil
}

func (s *Scheduler) idsLocked() []string {
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a snapshot of one agent.
func (s *Scheduler) Get(id string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	la, ok := s.agents[id]
	if !ok {
		return Agent{}, false
	}
	return Agent{Config: la.cfg, State: la.state}, true
}

// List returns a snapshot of every agent.
func (s *Scheduler) List() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, la := range s.agents {
		out = append(out, Agent{Config: la.cfg, State: la.state})
	}
	return out
}

// Pause disarms an agent's cron without clearing its failure counter.
func (s *Scheduler) Pause(id string) error {
	return s.updateStatus(id, StatusPaused)
}

// Resume reactivates an agent and clears consecutiveFailures.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	la, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	la.state.Status = StatusActive
	la.state.ConsecutiveFailures = 0
	sched, err := cronParser.Parse(la.cfg.CronExpr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	la.schedule = sched
	next := sched.Next(time.Now())
	la.state.NextRunAt = &next
	cfg, state := la.cfg, la.state
	s.mu.Unlock()

	return s.store.SaveAgent(cfg, state)
}

func (s *Scheduler) updateStatus(id string, status Status) error {
	s.mu.Lock()
	la, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	la.state.Status = status
	la.state.NextRunAt = nil
	cfg, state := la.cfg, la.state
	s.mu.Unlock()

	return s.store.SaveAgent(cfg, state)
}

// Trigger runs an agent immediately, subject to the same per-cwd mutual
// exclusion as a cron firing: it queues behind any agent currently holding
// that cwd's slot rather than running concurrently with it.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	_, ok := s.agents[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}
	s.enqueue(id)
	return nil
}

// Delete removes an agent entirely.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	delete(s.agents, id)
	ids := s.idsLocked()
	s.mu.Unlock()

	if err := s.store.SaveManifest(ids); err != nil {
		s.log.Warn("save agent manifest", "error", err)
	}
	return s.store.DeleteAgent(id)
}

// tickLoop wakes once a minute, enqueues every agent whose nextRunAt has
// arrived, and recomputes nextRunAt strictly after enqueueing.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	var due []string

	s.mu.Lock()
	for id, la := range s.agents {
		if la.state.Status != StatusActive || la.schedule == nil {
			continue
		}
		if la.state.NextRunAt != nil && !now.Before(*la.state.NextRunAt) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.enqueue(id)

		s.mu.Lock()
		if la, ok := s.agents[id]; ok {
			next := la.schedule.Next(now)
			la.state.NextRunAt = &next
			cfg, state := la.cfg, la.state
			s.mu.Unlock()
			if err := s.store.SaveAgent(cfg, state); err != nil {
				s.log.Warn("persist next run time", "agent_id", id, "error", err)
			}
		} else {
			s.mu.Unlock()
		}
		if s.bcast != nil {
			s.bcast.BroadcastAgentUpdate(id)
		}
	}
}

// enqueue serializes agents sharing a cwd: if another agent already owns
// that cwd's slot, this one is appended to the FIFO queue instead of
// starting immediately. Re-entry for an already-running agent is a no-op.
func (s *Scheduler) enqueue(id string) {
	s.mu.Lock()
	la, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	cwd := la.cfg.Cwd

	if s.currentByCwd[cwd] == id {
		s.mu.Unlock()
		return
	}
	if current, busy := s.currentByCwd[cwd]; busy && current != "" {
		for _, queued := range s.queueByCwd[cwd] {
			if queued == id {
				s.mu.Unlock()
				return
			}
		}
		s.queueByCwd[cwd] = append(s.queueByCwd[cwd], id)
		s.mu.Unlock()
		return
	}

	s.currentByCwd[cwd] = id
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(id)
}

func (s *Scheduler) execute(id string) {
	defer s.wg.Done()

	s.mu.Lock()
	la, ok := s.agents[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	cwd := la.cfg.Cwd

	timeout := time.Duration(la.cfg.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	rec, log, runErr := s.runner.Run(ctx, la.cfg)
	cancel()

	if runErr != nil {
		s.log.Warn("agent run failed", "agent_id", id, "error", runErr)
	}
	log = []byte(memory.Redact(string(log)))
	if err := s.history.Save(rec, log); err != nil {
		s.log.Warn("save execution record", "agent_id", id, "error", err)
	}

	s.mu.Lock()
	if la, ok := s.agents[id]; ok {
		startedAt := rec.StartedAt
		la.state.LastRunAt = &startedAt
		result := rec.Result
		la.state.LastResult = &result
		la.state.TotalRuns++

		if rec.Result == ResultSuccess {
			la.state.ConsecutiveFailures = 0
		} else {
			la.state.ConsecutiveFailures++
			if la.state.ConsecutiveFailures >= la.cfg.MaxRetries && la.cfg.MaxRetries > 0 {
				la.state.Status = StatusError
				la.state.NextRunAt = nil
			}
		}
		cfg, state := la.cfg, la.state
		s.mu.Unlock()
		if err := s.store.SaveAgent(cfg, state); err != nil {
			s.log.Warn("persist agent state", "agent_id", id, "error", err)
		}
	} else {
		s.mu.Unlock()
	}

	if s.bcast != nil {
		s.bcast.BroadcastAgentUpdate(id)
	}

	s.dequeueNext(cwd, id)
}

// dequeueNext releases the cwd slot held by id and starts the next queued
// agent for that cwd, if any.
func (s *Scheduler) dequeueNext(cwd, id string) {
	s.mu.Lock()
	if s.currentByCwd[cwd] == id {
		delete(s.currentByCwd, cwd)
	}
	var next string
	if q := s.queueByCwd[cwd]; len(q) > 0 {
		next = q[0]
		s.queueByCwd[cwd] = q[1:]
	}
	if next != "" {
		s.currentByCwd[cwd] = next
	}
	s.mu.Unlock()

	if next != "" {
		s.wg.Add(1)
		go s.execute(next)
	}
}
