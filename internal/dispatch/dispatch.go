package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentrelay/internal/audit"
	"github.com/basket/agentrelay/internal/bus"
	"github.com/basket/agentrelay/internal/otel"
	"github.com/basket/agentrelay/internal/persistence"
	"github.com/basket/agentrelay/internal/relay"
	"github.com/basket/agentrelay/internal/shared"
)

// OrchestratorName is the reserved name of the coordinating agent.
// It is registered automatically at startup and hidden from list_agents.
const OrchestratorName = "__orchestrator__"

// Protocol error codes carried to callers alongside the message text.
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeAgentNotFound    = "AGENT_NOT_FOUND"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// ProtocolError is the dispatcher's caller-facing failure shape. The
// store's error taxonomy maps onto it, with not-found errors
// specialized by the entity they name.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func protocolErr(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Presence reports whether an agent has a live channel right now. It
// feeds the delivered flag; the actual wake-up travels over the bus.
type Presence interface {
	Connected(agentName string) bool
}

// noPresence stands in when no live channel layer is wired.
type noPresence struct{}

func (noPresence) Connected(string) bool { return false }

// Dispatcher routes protocol tool calls onto the store and publishes
// engine events as side effects of successful writes.
type Dispatcher struct {
	store    *persistence.Store
	bus      *bus.Bus
	presence Presence
	schemas  *compiledSchemas
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPresence wires the live channel layer used for the delivered flag.
func WithPresence(p Presence) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.presence = p
		}
	}
}

// WithTracer wires span emission around tool calls.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithMetrics wires the message and task counters.
func WithMetrics(m *otel.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New builds a Dispatcher. The orchestrator agent is registered eagerly
// so it can send and receive from the first call.
func New(ctx context.Context, store *persistence.Store, b *bus.Bus, opts ...Option) (*Dispatcher, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile tool schemas: %w", err)
	}
	d := &Dispatcher{
		store:    store,
		bus:      b,
		presence: noPresence{},
		schemas:  schemas,
		logger:   slog.Default(),
		tracer:   nooptrace.NewTracerProvider().Tracer(otel.TracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	if _, _, err := store.RegisterAgent(ctx, relay.RegisterAgent{
		Name:        OrchestratorName,
		Description: "Coordinating agent",
	}); err != nil {
		return nil, fmt.Errorf("register orchestrator: %w", err)
	}
	return d, nil
}

// AgentSummary is the list_agents projection. Internal ids stay internal.
type AgentSummary struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// MessageView is a message with sender and recipient resolved to names.
type MessageView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	TaskID    string    `json:"task_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SendResult is the send_message outcome. Delivered reports whether the
// recipient had a live channel at append time; the message is durable
// either way.
type SendResult struct {
	Message   MessageView `json:"message"`
	Delivered bool        `json:"delivered"`
}

// StatusView is the get_task_status projection.
type StatusView struct {
	TaskID         string `json:"task_id"`
	Title          string `json:"title"`
	State          string `json:"state"`
	TimeBudgetSecs *int64 `json:"time_budget_secs,omitempty"`
	ElapsedSecs    *int64 `json:"elapsed_secs,omitempty"`
	RemainingSecs  *int64 `json:"remaining_secs,omitempty"`
	OverrunSecs    *int64 `json:"overrun_secs,omitempty"`
	Unlimited      bool   `json:"unlimited,omitempty"`
}

// Call validates and dispatches one named tool call. The caller's agent
// name travels in ctx via shared.WithCaller; transports set it once at
// the edge.
func (d *Dispatcher) Call(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	caller := shared.Caller(ctx)
	if caller == "" {
		caller = OrchestratorName
	}
	ctx, span := otel.StartSpan(ctx, d.tracer, "dispatch."+tool,
		otel.AttrToolName.String(tool),
		otel.AttrAgentName.String(caller),
		otel.AttrTraceID.String(shared.TraceID(ctx)),
	)
	defer span.End()

	start := time.Now()
	result, err := d.call(ctx, tool, caller, args)
	outcome := "ok"
	reason := ""
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			outcome = perr.Code
			reason = perr.Message
		} else {
			outcome = CodeStoreUnavailable
			reason = err.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	audit.Record(outcome, tool, caller, reason)
	d.logger.Debug("tool call",
		"tool", tool,
		"caller", caller,
		"outcome", outcome,
		"trace_id", shared.TraceID(ctx),
		"elapsed", time.Since(start))
	return result, err
}

func (d *Dispatcher) call(ctx context.Context, tool, caller string, args json.RawMessage) (any, error) {
	if _, err := d.schemas.validate(tool, args); err != nil {
		if _, known := d.schemas.byName[tool]; !known {
			return nil, protocolErr(CodeInvalidInput, "unknown tool %q", tool)
		}
		return nil, protocolErr(CodeInvalidInput, "invalid arguments for %s: %v", tool, err)
	}
	switch tool {
	case "list_agents":
		return d.ListAgents(ctx)
	case "send_message":
		var p SendMessageParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, protocolErr(CodeInvalidInput, "decode send_message arguments: %v", err)
		}
		return d.SendMessage(ctx, caller, p)
	case "get_messages":
		var p GetMessagesParams
		if len(args) > 0 {
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, protocolErr(CodeInvalidInput, "decode get_messages arguments: %v", err)
			}
		}
		return d.GetMessages(ctx, p)
	case "create_task":
		var p CreateTaskParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, protocolErr(CodeInvalidInput, "decode create_task arguments: %v", err)
		}
		return d.CreateTask(ctx, caller, p)
	case "get_task_status":
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, protocolErr(CodeInvalidInput, "decode get_task_status arguments: %v", err)
		}
		return d.GetTaskStatus(ctx, p.TaskID)
	default:
		return nil, protocolErr(CodeInvalidInput, "unknown tool %q", tool)
	}
}

// SendMessageParams are the send_message arguments.
type SendMessageParams struct {
	To      string `json:"to"`
	Content string `json:"content"`
	TaskID  string `json:"task_id,omitempty"`
}

// GetMessagesParams are the get_messages filters. All optional.
type GetMessagesParams struct {
	TaskID    string `json:"task_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Since     string `json:"since,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CreateTaskParams are the create_task arguments.
type CreateTaskParams struct {
	Title          string `json:"title"`
	TimeBudgetSecs *int64 `json:"time_budget_secs,omitempty"`
}

// ListAgents returns every registered agent except the orchestrator,
// in registration order.
func (d *Dispatcher) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		if a.Name == OrchestratorName {
			continue
		}
		out = append(out, AgentSummary{
			Name:        a.Name,
			Description: a.Description,
			LastSeenAt:  a.LastSeenAt,
		})
	}
	return out, nil
}

// SendMessage appends a message from the caller to the named recipient.
// When the message references a task that has not started, the send
// marks the task started first. All write effects commit together or
// not at all.
func (d *Dispatcher) SendMessage(ctx context.Context, caller string, p SendMessageParams) (*SendResult, error) {
	if strings.TrimSpace(p.To) == "" {
		return nil, protocolErr(CodeInvalidInput, "recipient name must not be empty")
	}
	sender, err := d.store.GetAgentByName(ctx, caller)
	if err != nil {
		return nil, mapAgentErr(err, caller)
	}
	recipient, err := d.store.GetAgentByName(ctx, p.To)
	if err != nil {
		return nil, mapAgentErr(err, p.To)
	}

	params := relay.CreateMessage{
		SenderID:    sender.ID,
		RecipientID: recipient.ID,
		TaskID:      p.TaskID,
		Content:     p.Content,
	}

	// Task-scoped sends claim the task's start and append the message in
	// one transaction: either both commit or neither does.
	var msg relay.Message
	var startedTask *relay.Task
	if p.TaskID != "" {
		m, task, started, err := d.store.AppendTaskMessage(ctx, params)
		if err != nil {
			return nil, mapTaskErr(err, p.TaskID)
		}
		msg = m
		if started {
			startedTask = &task
		}
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrTaskID.String(p.TaskID))
	} else {
		m, err := d.store.AppendMessage(ctx, params)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		msg = m
	}
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrMessageID.String(msg.ID))

	if startedTask != nil {
		d.bus.Publish(bus.TopicTaskStarted, bus.TaskStartedEvent{
			TaskID: startedTask.ID,
			Title:  startedTask.Title,
		})
	}
	d.bus.Publish(bus.TopicMessageCreated, bus.MessageCreatedEvent{
		MessageID:     msg.ID,
		TaskID:        msg.TaskID,
		SenderName:    sender.Name,
		RecipientName: recipient.Name,
		Content:       msg.Content,
	})
	if d.metrics != nil {
		d.metrics.MessagesAppended.Add(ctx, 1)
		if startedTask != nil {
			d.metrics.TasksStarted.Add(ctx, 1)
		}
	}

	delivered := d.presence.Connected(recipient.Name)

	return &SendResult{
		Message: MessageView{
			ID:        msg.ID,
			Sender:    sender.Name,
			Recipient: recipient.Name,
			TaskID:    msg.TaskID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		},
		Delivered: delivered,
	}, nil
}

// GetMessages returns messages matching the filters, oldest first.
// Name filters resolve to agent ids before the query runs; an unknown
// name fails rather than silently matching nothing.
func (d *Dispatcher) GetMessages(ctx context.Context, p GetMessagesParams) ([]MessageView, error) {
	filter := relay.MessageFilter{TaskID: p.TaskID, Limit: p.Limit}
	if p.Sender != "" {
		a, err := d.store.GetAgentByName(ctx, p.Sender)
		if err != nil {
			return nil, mapAgentErr(err, p.Sender)
		}
		filter.SenderID = a.ID
	}
	if p.Recipient != "" {
		a, err := d.store.GetAgentByName(ctx, p.Recipient)
		if err != nil {
			return nil, mapAgentErr(err, p.Recipient)
		}
		filter.RecipientID = a.ID
	}
	if p.Since != "" {
		ts, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, protocolErr(CodeInvalidInput, "invalid since timestamp %q: %v", p.Since, err)
		}
		filter.Since = &ts
	}

	msgs, err := d.store.QueryMessages(ctx, filter)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	// Resolve ids to names once per distinct agent.
	names := make(map[string]string)
	resolve := func(id string) (string, error) {
		if name, ok := names[id]; ok {
			return name, nil
		}
		a, err := d.store.GetAgentByID(ctx, id)
		if err != nil {
			return "", mapStoreErr(err)
		}
		names[id] = a.Name
		return a.Name, nil
	}

	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		senderName, err := resolve(m.SenderID)
		if err != nil {
			return nil, err
		}
		recipientName, err := resolve(m.RecipientID)
		if err != nil {
			return nil, err
		}
		out = append(out, MessageView{
			ID:        m.ID,
			Sender:    senderName,
			Recipient: recipientName,
			TaskID:    m.TaskID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// CreateTask records a new task owned by the caller. The clock does not
// start until the first message references the task.
func (d *Dispatcher) CreateTask(ctx context.Context, caller string, p CreateTaskParams) (*relay.Task, error) {
	creator, err := d.store.GetAgentByName(ctx, caller)
	if err != nil {
		return nil, mapAgentErr(err, caller)
	}
	task, err := d.store.CreateTask(ctx, relay.CreateTask{
		Title:          p.Title,
		CreatedBy:      creator.ID,
		TimeBudgetSecs: p.TimeBudgetSecs,
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &task, nil
}

// GetTaskStatus reports the task's derived state and timing.
func (d *Dispatcher) GetTaskStatus(ctx context.Context, taskID string) (*StatusView, error) {
	status, err := d.store.TaskStatus(ctx, taskID)
	if err != nil {
		return nil, mapTaskErr(err, taskID)
	}
	view := &StatusView{
		TaskID:         status.Task.ID,
		Title:          status.Task.Title,
		State:          string(status.State),
		TimeBudgetSecs: status.Task.TimeBudgetSecs,
		ElapsedSecs:    status.ElapsedSecs,
		RemainingSecs:  status.RemainingSecs,
		OverrunSecs:    status.OverrunSecs,
	}
	if status.State == relay.TaskRunning && status.Task.TimeBudgetSecs == nil {
		view.Unlimited = true
	}
	return view, nil
}

// Register upserts an agent by name, for the worker-facing surface.
// Registering again with the same name refreshes description and
// last-seen without creating a duplicate.
func (d *Dispatcher) Register(ctx context.Context, params relay.RegisterAgent) (relay.Agent, error) {
	if strings.TrimSpace(params.Name) == OrchestratorName {
		return relay.Agent{}, protocolErr(CodeInvalidInput, "agent name %q is reserved", OrchestratorName)
	}
	agent, created, err := d.store.RegisterAgent(ctx, params)
	if err != nil {
		return relay.Agent{}, mapStoreErr(err)
	}
	if created {
		d.bus.Publish(bus.TopicAgentRegistered, bus.AgentRegisteredEvent{
			AgentID: agent.ID,
			Name:    agent.Name,
		})
	}
	return agent, nil
}

// Touch refreshes an agent's last-seen instant.
func (d *Dispatcher) Touch(ctx context.Context, agentID string) error {
	if err := d.store.TouchAgent(ctx, agentID); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// mapStoreErr converts the store's error taxonomy into protocol errors.
func mapStoreErr(err error) error {
	var rerr *relay.Error
	if !errors.As(err, &rerr) {
		return protocolErr(CodeStoreUnavailable, "%v", err)
	}
	switch rerr.Kind {
	case relay.KindInvalidInput:
		return protocolErr(CodeInvalidInput, "%s", rerr.Reason)
	case relay.KindNotFound:
		return protocolErr(CodeAgentNotFound, "%s", rerr.Reason)
	case relay.KindConflict:
		return protocolErr(CodeConflict, "%s", rerr.Reason)
	default:
		return protocolErr(CodeStoreUnavailable, "%s", rerr.Reason)
	}
}

// mapAgentErr specializes not-found on an agent lookup by name.
func mapAgentErr(err error, name string) error {
	if relay.IsKind(err, relay.KindNotFound) {
		return protocolErr(CodeAgentNotFound, "agent %q not found", name)
	}
	return mapStoreErr(err)
}

// mapTaskErr specializes not-found on a task lookup by id.
func mapTaskErr(err error, id string) error {
	if relay.IsKind(err, relay.KindNotFound) {
		return protocolErr(CodeTaskNotFound, "task %q not found", id)
	}
	return mapStoreErr(err)
}
