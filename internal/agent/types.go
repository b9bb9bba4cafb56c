// Package agent implements the cron-triggered headless agent scheduler:
// per-cwd mutual exclusion, timeout escalation, execution history with
// retention pruning, and failure quarantine.
package agent

import "time"

// Status is the lifecycle state of a configured agent.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

// Result classifies how an execution ended.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultTimeout Result = "timeout"
)

// Config is the durable definition of a scheduled agent.
type Config struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Objective  string    `json:"objective"`
	CronExpr   string    `json:"cronExpr"`
	Cwd        string    `json:"cwd"`
	Model      string    `json:"model,omitempty"`
	TimeoutMs  int       `json:"timeoutMs"`
	MaxRetries int       `json:"maxRetries"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// State is the mutable runtime status of an agent, persisted alongside its
// Config.
type State struct {
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastResult          *Result    `json:"lastResult,omitempty"`
	TotalRuns           int        `json:"totalRuns"`
	NextRunAt           *time.Time `json:"nextRunAt,omitempty"`
}

// Agent is a Config plus its runtime State, as returned to API callers.
type Agent struct {
	Config
	State
}

// manifestEntry is one agent's config and state as loaded by Store.LoadAll
// from the agent's own config.json and state.json; the manifest itself only
// lists ids.
type manifestEntry struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// ExecutionRecord is one completed (or aborted) run of an agent.
type ExecutionRecord struct {
	ExecutionID string    `json:"executionId"`
	AgentID     string    `json:"agentId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
	Result      Result    `json:"result"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	OutputLines int       `json:"outputLines"`
	Error       string    `json:"error,omitempty"`
}
