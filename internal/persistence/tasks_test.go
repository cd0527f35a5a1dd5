package persistence_test

import (
	"context"
	"sync"
	"testing"

	"github.com/basket/agentrelay/internal/relay"
)

func int64ptr(v int64) *int64 { return &v }

func TestCreateTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, store, "orchestrator")

	task, err := store.CreateTask(ctx, relay.CreateTask{
		Title:          "summarize findings",
		CreatedBy:      agent.ID,
		TimeBudgetSecs: int64ptr(28800),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("task ID not assigned")
	}
	if task.StartedAt != nil {
		t.Fatal("new task must not be started")
	}
	if task.TimeBudgetSecs == nil || *task.TimeBudgetSecs != 28800 {
		t.Fatalf("budget = %v, want 28800", task.TimeBudgetSecs)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, store, "orchestrator")

	_, err := store.CreateTask(ctx, relay.CreateTask{Title: "", CreatedBy: agent.ID})
	if !relay.IsKind(err, relay.KindInvalidInput) {
		t.Fatalf("empty title: err = %v, want InvalidInput", err)
	}

	_, err = store.CreateTask(ctx, relay.CreateTask{
		Title:          "x",
		CreatedBy:      agent.ID,
		TimeBudgetSecs: int64ptr(-1),
	})
	if !relay.IsKind(err, relay.KindInvalidInput) {
		t.Fatalf("negative budget: err = %v, want InvalidInput", err)
	}

	_, err = store.CreateTask(ctx, relay.CreateTask{Title: "x", CreatedBy: "no-such-agent"})
	if !relay.IsKind(err, relay.KindNotFound) {
		t.Fatalf("unknown creator: err = %v, want NotFound", err)
	}
}

func TestStartTaskOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, store, "orchestrator")

	task, err := store.CreateTask(ctx, relay.CreateTask{Title: "research", CreatedBy: agent.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, started, err := store.StartTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !started {
		t.Fatal("first start should report started")
	}
	if first.StartedAt == nil {
		t.Fatal("started_at not set")
	}

	second, started, err := store.StartTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if started {
		t.Fatal("second start must be a no-op")
	}
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Fatalf("started_at changed: %v -> %v", first.StartedAt, second.StartedAt)
	}
}

func TestStartTaskNotFound(t *testing.T) {
	store := openTestStore(t)
	_, _, err := store.StartTask(context.Background(), "no-such-task")
	if !relay.IsKind(err, relay.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestTaskStatusLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, store, "orchestrator")

	task, err := store.CreateTask(ctx, relay.CreateTask{
		Title:          "long haul",
		CreatedBy:      agent.ID,
		TimeBudgetSecs: int64ptr(3600),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	st, err := store.TaskStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != relay.TaskNotStarted {
		t.Fatalf("state = %q, want not_started", st.State)
	}

	if _, _, err := store.StartTask(ctx, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err = store.TaskStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("status after start: %v", err)
	}
	if st.State != relay.TaskRunning {
		t.Fatalf("state = %q, want running", st.State)
	}
	if st.ElapsedSecs == nil || st.RemainingSecs == nil {
		t.Fatal("running budgeted task must report elapsed and remaining")
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.TaskStatus(context.Background(), "no-such-task")
	if !relay.IsKind(err, relay.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestStartTaskConcurrentFirstWriterWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, store, "orchestrator")
	task, err := store.CreateTask(ctx, relay.CreateTask{
		Title:     "contended start",
		CreatedBy: agent.ID,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, started, err := store.StartTask(ctx, task.ID)
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			results <- started
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for started := range results {
		if started {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d callers claimed the start, want exactly 1", winners)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StartedAt == nil {
		t.Fatal("task not started after the race")
	}
}
