package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeRunner struct {
	mu       sync.Mutex
	result   Result
	delay    time.Duration
	runCount int
}

func (f *fakeRunner) Run(ctx context.Context, cfg Config) (ExecutionRecord, []byte, error) {
	f.mu.Lock()
	f.runCount++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	started := time.Now()
	return ExecutionRecord{
		ExecutionID: uuid.NewString(),
		AgentID:     cfg.ID,
		StartedAt:   started,
		CompletedAt: started.Add(time.Millisecond),
		Result:      f.result,
		OutputLines: 1,
	}, []byte("ok\n"), nil
}

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *Store) {
	t.Helper()
	store := NewStore(t.TempDir(), nil)
	history := NewHistoryStore(t.TempDir(), 1<<20, 100)
	sched, err := NewScheduler(Options{Store: store, History: history, Runner: runner, MaxAgents: 10})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(sched.Close)
	return sched, store
}

func TestCreateAgentPersistsAndAppearsInList(t *testing.T) {
	runner := &fakeRunner{result: ResultSuccess}
	sched, _ := newTestScheduler(t, runner)

	agent, warnings, err := sched.Create(Config{Name: "reviewer", Objective: "summarize PRs", CronExpr: "* * * * *", Cwd: "/w", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no hygiene warnings, got %v", warnings)
	}
	if agent.ID == "" {
		t.Fatalf("expected an assigned agent id")
	}

	list := sched.List()
	if len(list) != 1 || list[0].ID != agent.ID {
		t.Fatalf("expected agent to appear in List(), got %+v", list)
	}
}

func TestCreateRejectsInvalidCronExpr(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeRunner{result: ResultSuccess})
	if _, _, err := sched.Create(Config{Name: "bad", CronExpr: "not a cron expr", Cwd: "/w"}); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}

func TestCreateWarnsOnEscapeIntentObjective(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeRunner{result: ResultSuccess})
	_, warnings, err := sched.Create(Config{Name: "risky", Objective: "run with --privileged", CronExpr: "* * * * *", Cwd: "/w"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected hygiene warnings for a privileged objective")
	}
}

func TestMaxAgentsEnforced(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	history := NewHistoryStore(t.TempDir(), 1<<20, 100)
	sched, err := NewScheduler(Options{Store: store, History: history, Runner: &fakeRunner{result: ResultSuccess}, MaxAgents: 1})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer sched.Close()

	if _, _, err := sched.Create(Config{Name: "one", CronExpr: "* * * * *", Cwd: "/w"}); err != nil {
		t.Fatalf("1st Create: %v", err)
	}
	if _, _, err := sched.Create(Config{Name: "two", CronExpr: "* * * * *", Cwd: "/w"}); err == nil {
		t.Fatalf("expected 2nd agent to be rejected at MaxAgents=1")
	}
}

func TestConsecutiveFailuresTransitionToError(t *testing.T) {
	runner := &fakeRunner{result: ResultFailure}
	sched, _ := newTestScheduler(t, runner)

	agent, _, err := sched.Create(Config{Name: "flaky", CronExpr: "* * * * *", Cwd: "/w", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sched.enqueue(agent.ID)
	waitForRunCount(t, runner, 1)
	sched.enqueue(agent.ID)
	waitForRunCount(t, runner, 2)

	got, ok := sched.Get(agent.ID)
	if !ok {
		t.Fatalf("expected agent to still exist")
	}
	if got.Status != StatusError {
		t.Fatalf("expected status error after reaching maxRetries, got %v", got.Status)
	}
	if got.ConsecutiveFailures != 2 {
		t.Fatalf("expected consecutiveFailures=2, got %d", got.ConsecutiveFailures)
	}
}

func TestResumeClearsFailureCounterAndReactivates(t *testing.T) {
	runner := &fakeRunner{result: ResultFailure}
	sched, _ := newTestScheduler(t, runner)

	agent, _, err := sched.Create(Config{Name: "flaky", CronExpr: "* * * * *", Cwd: "/w", MaxRetries: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sched.enqueue(agent.ID)
	waitForRunCount(t, runner, 1)

	got, _ := sched.Get(agent.ID)
	if got.Status != StatusError {
		t.Fatalf("expected error status before resume, got %v", got.Status)
	}

	if err := sched.Resume(agent.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got, _ = sched.Get(agent.ID)
	if got.Status != StatusActive || got.ConsecutiveFailures != 0 {
		t.Fatalf("expected active status and cleared failure counter after resume, got %+v", got)
	}
}

func TestPerCwdMutualExclusionQueuesSecondAgent(t *testing.T) {
	runner := &fakeRunner{result: ResultSuccess, delay: 150 * time.Millisecond}
	sched, _ := newTestScheduler(t, runner)

	a1, _, err := sched.Create(Config{Name: "first", CronExpr: "* * * * *", Cwd: "/shared", MaxRetries: 1})
	if err != nil {
		t.Fatalf("Create a1: %v", err)
	}
	a2, _, err := sched.Create(Config{Name: "second", CronExpr: "* * * * *", Cwd: "/shared", MaxRetries: 1})
	if err != nil {
		t.Fatalf("Create a2: %v", err)
	}

	sched.enqueue(a1.ID)
	sched.enqueue(a2.ID)

	// Give the first execution time to start but not finish.
	time.Sleep(30 * time.Millisecond)
	runner.mu.Lock()
	count := runner.runCount
	runner.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected only the first agent to be running, runCount=%d", count)
	}

	waitForRunCount(t, runner, 2)
}

func waitForRunCount(t *testing.T, runner *fakeRunner, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		runner.mu.Lock()
		got := runner.runCount
		runner.mu.Unlock()
		if got >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for runCount >= %d", want)
}
