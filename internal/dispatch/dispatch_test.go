package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/agentrelay/internal/bus"
	"github.com/basket/agentrelay/internal/dispatch"
	"github.com/basket/agentrelay/internal/otel"
	"github.com/basket/agentrelay/internal/persistence"
	"github.com/basket/agentrelay/internal/relay"
	"github.com/basket/agentrelay/internal/session"
	"github.com/basket/agentrelay/internal/shared"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.New()
	d, err := dispatch.New(context.Background(), store, eventBus)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, store, eventBus
}

func register(t *testing.T, d *dispatch.Dispatcher, name string) relay.Agent {
	t.Helper()
	agent, err := d.Register(context.Background(), relay.RegisterAgent{
		Name:        name,
		Description: name + " agent",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return agent
}

func wantProtocolErr(t *testing.T, err error, code string) {
	t.Helper()
	var perr *dispatch.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError %s", err, code)
	}
	if perr.Code != code {
		t.Fatalf("code = %s (%s), want %s", perr.Code, perr.Message, code)
	}
}

func TestOrchestratorHiddenFromListAgents(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	agents, err := d.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("fresh relay lists %d agents, want 0", len(agents))
	}

	register(t, d, "researcher")
	agents, err = d.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "researcher" {
		t.Fatalf("agents = %+v, want just researcher", agents)
	}
}

func TestRegisterReservedName(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Register(context.Background(), relay.RegisterAgent{Name: dispatch.OrchestratorName})
	wantProtocolErr(t, err, dispatch.CodeInvalidInput)
}

func TestCallUnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Call(context.Background(), "rm_rf", json.RawMessage(`{}`))
	wantProtocolErr(t, err, dispatch.CodeInvalidInput)
}

func TestCallValidatesBeforeStoreAccess(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	// Missing required "content": rejected by schema even though the
	// recipient also does not exist.
	_, err := d.Call(ctx, "send_message", json.RawMessage(`{"to": "ghost"}`))
	wantProtocolErr(t, err, dispatch.CodeInvalidInput)

	count, _ := store.MessageCount(ctx)
	if count != 0 {
		t.Fatalf("invalid call reached the store: %d messages", count)
	}
}

func TestCallIgnoresUnknownFields(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	register(t, d, "researcher")

	args := json.RawMessage(`{"to": "researcher", "content": "hi", "priority": "urgent"}`)
	if _, err := d.Call(context.Background(), "send_message", args); err != nil {
		t.Fatalf("unknown fields must be ignored: %v", err)
	}
}

func TestSendMessageUnknownRecipient(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.SendMessage(context.Background(), dispatch.OrchestratorName, dispatch.SendMessageParams{
		To:      "ghost",
		Content: "anyone there?",
	})
	wantProtocolErr(t, err, dispatch.CodeAgentNotFound)
}

func TestSendMessageStartsTaskOnce(t *testing.T) {
	d, _, eventBus := newTestDispatcher(t)
	ctx := context.Background()
	register(t, d, "researcher")

	task, err := d.CreateTask(ctx, dispatch.OrchestratorName, dispatch.CreateTaskParams{
		Title: "investigate",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	started := eventBus.Subscribe(bus.TopicTaskStarted)
	defer eventBus.Unsubscribe(started)

	first, err := d.SendMessage(ctx, dispatch.OrchestratorName, dispatch.SendMessageParams{
		To:      "researcher",
		Content: "begin",
		TaskID:  task.ID,
	})
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if first.Message.TaskID != task.ID {
		t.Fatalf("message task = %q, want %q", first.Message.TaskID, task.ID)
	}

	select {
	case ev := <-started.Ch():
		payload, ok := ev.Payload.(bus.TaskStartedEvent)
		if !ok || payload.TaskID != task.ID {
			t.Fatalf("unexpected task started payload: %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no task started event after first send")
	}

	if _, err := d.SendMessage(ctx, dispatch.OrchestratorName, dispatch.SendMessageParams{
		To:      "researcher",
		Content: "still on it?",
		TaskID:  task.ID,
	}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	select {
	case ev := <-started.Ch():
		t.Fatalf("second send republished task started: %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendMessageDeliveredFlag(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := session.NewHub()
	eventBus := bus.New()
	d, err := dispatch.New(context.Background(), store, eventBus, dispatch.WithPresence(hub))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	forwardCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Forward(forwardCtx, eventBus)
	deadline := time.After(time.Second)
	for eventBus.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("forward never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ctx := context.Background()
	register(t, d, "researcher")

	offline, err := d.SendMessage(ctx, dispatch.OrchestratorName, dispatch.SendMessageParams{
		To: "researcher", Content: "one",
	})
	if err != nil {
		t.Fatalf("send offline: %v", err)
	}
	if offline.Delivered {
		t.Fatal("delivered = true with no live channel")
	}

	sub := hub.Subscribe("researcher")
	defer hub.Unsubscribe(sub)

	online, err := d.SendMessage(ctx, dispatch.OrchestratorName, dispatch.SendMessageParams{
		To: "researcher", Content: "two",
	})
	if err != nil {
		t.Fatalf("send online: %v", err)
	}
	if !online.Delivered {
		t.Fatal("delivered = false with a live channel open")
	}
	select {
	case n := <-sub.Ch:
		if n.Kind != session.KindMessage {
			t.Fatalf("notification kind = %q", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification on live channel")
	}
}

func TestGetMessagesResolvesNames(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	register(t, d, "researcher")

	if _, err := d.SendMessage(ctx, dispatch.OrchestratorName, dispatch.SendMessageParams{
		To: "researcher", Content: "hello",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := d.GetMessages(ctx, dispatch.GetMessagesParams{Recipient: "researcher"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Sender != dispatch.OrchestratorName || msgs[0].Recipient != "researcher" {
		t.Fatalf("names not resolved: %+v", msgs[0])
	}
}

func TestGetMessagesUnknownFilterName(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.GetMessages(context.Background(), dispatch.GetMessagesParams{Sender: "ghost"})
	wantProtocolErr(t, err, dispatch.CodeAgentNotFound)
}

func TestGetMessagesBadSince(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.GetMessages(context.Background(), dispatch.GetMessagesParams{Since: "yesterday"})
	wantProtocolErr(t, err, dispatch.CodeInvalidInput)
}

func TestGetTaskStatusNotFound(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.GetTaskStatus(context.Background(), "no-such-task")
	wantProtocolErr(t, err, dispatch.CodeTaskNotFound)
}

func TestCreateTaskNegativeBudgetRejectedBySchema(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	args := json.RawMessage(`{"title": "rush job", "time_budget_secs": -5}`)
	_, err := d.Call(context.Background(), "create_task", args)
	wantProtocolErr(t, err, dispatch.CodeInvalidInput)
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	agent := register(t, d, "researcher")

	if err := d.Touch(ctx, agent.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := store.GetAgentByName(ctx, "researcher")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.LastSeenAt.Before(agent.LastSeenAt) {
		t.Fatalf("last_seen_at moved backward: %v -> %v", agent.LastSeenAt, got.LastSeenAt)
	}

	wantProtocolErr(t, d.Touch(ctx, "no-such-id"), dispatch.CodeAgentNotFound)
}

func TestCallEmitsSpans(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	d, err := dispatch.New(context.Background(), store, bus.New(),
		dispatch.WithTracer(tp.Tracer("test")))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx := context.Background()

	if _, err := d.Call(ctx, "list_agents", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("list_agents: %v", err)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "dispatch.list_agents" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	toolAttr := ""
	for _, kv := range spans[0].Attributes() {
		if kv.Key == otel.AttrToolName {
			toolAttr = kv.Value.AsString()
		}
	}
	if toolAttr != "list_agents" {
		t.Fatalf("tool attribute = %q, want list_agents", toolAttr)
	}

	// A failing call ends its span with error status.
	if _, err := d.Call(ctx, "get_task_status", json.RawMessage(`{"task_id": "ghost"}`)); err == nil {
		t.Fatal("expected TASK_NOT_FOUND")
	}
	spans = rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans after failing call, want 2", len(spans))
	}
	if spans[1].Status().Code != codes.Error {
		t.Fatalf("failing call span status = %v, want error", spans[1].Status().Code)
	}
}

func TestSendMessageCountsMetrics(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := otel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	ctx := context.Background()
	d, err := dispatch.New(ctx, store, bus.New(), dispatch.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	register(t, d, "researcher")

	task, err := d.CreateTask(ctx, dispatch.OrchestratorName, dispatch.CreateTaskParams{Title: "count me"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := d.SendMessage(ctx, dispatch.OrchestratorName, dispatch.SendMessageParams{
		To: "researcher", Content: "plain",
	}); err != nil {
		t.Fatalf("plain send: %v", err)
	}
	if _, err := d.SendMessage(ctx, dispatch.OrchestratorName, dispatch.SendMessageParams{
		To: "researcher", Content: "task-scoped", TaskID: task.ID,
	}); err != nil {
		t.Fatalf("task send: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := counterValue(t, rm, "agentrelay.messages.appended"); got != 2 {
		t.Fatalf("messages.appended = %d, want 2", got)
	}
	if got := counterValue(t, rm, "agentrelay.tasks.started"); got != 1 {
		t.Fatalf("tasks.started = %d, want 1", got)
	}
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}

// TestOrchestrationRound walks one full exchange: create a budgeted
// task, hand it to a worker, collect the reply, and watch the clock.
func TestOrchestrationRound(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := shared.WithCaller(context.Background(), dispatch.OrchestratorName)
	register(t, d, "researcher")

	raw, err := d.Call(ctx, "create_task", json.RawMessage(`{"title": "summarize paper", "time_budget_secs": 28800}`))
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}
	task := raw.(*relay.Task)

	status, err := d.GetTaskStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("status before start: %v", err)
	}
	if status.State != string(relay.TaskNotStarted) {
		t.Fatalf("state = %q before first message", status.State)
	}

	sendArgs := json.RawMessage(fmt.Sprintf(
		`{"to": "researcher", "content": "please summarize sections 1-3", "task_id": %q}`, task.ID))
	if _, err := d.Call(ctx, "send_message", sendArgs); err != nil {
		t.Fatalf("send_message: %v", err)
	}

	// Worker replies on the same task.
	workerCtx := shared.WithCaller(context.Background(), "researcher")
	replyArgs := json.RawMessage(fmt.Sprintf(
		`{"to": %q, "content": "summary attached", "task_id": %q}`, dispatch.OrchestratorName, task.ID))
	if _, err := d.Call(workerCtx, "send_message", replyArgs); err != nil {
		t.Fatalf("worker reply: %v", err)
	}

	msgs, err := d.GetMessages(ctx, dispatch.GetMessagesParams{TaskID: task.ID})
	if err != nil {
		t.Fatalf("get_messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("task thread has %d messages, want 2", len(msgs))
	}
	if msgs[0].Sender != dispatch.OrchestratorName || msgs[1].Sender != "researcher" {
		t.Fatalf("thread order wrong: %+v", msgs)
	}

	status, err = d.GetTaskStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("status after start: %v", err)
	}
	if status.State != string(relay.TaskRunning) {
		t.Fatalf("state = %q, want running", status.State)
	}
	if status.ElapsedSecs == nil || status.RemainingSecs == nil {
		t.Fatal("running budgeted task must report elapsed and remaining")
	}
	if *status.RemainingSecs > 28800 {
		t.Fatalf("remaining %d exceeds the budget", *status.RemainingSecs)
	}
}
