package bus

// Relay event topics.
const (
	TopicMessageCreated  = "message.created"
	TopicTaskStarted     = "task.started"
	TopicAgentRegistered = "agent.registered"
	TopicLiveness        = "directory.liveness"
)

// MessageCreatedEvent is published after a message commits to the log.
// Session fan-out uses RecipientName to find the live stream, if any.
type MessageCreatedEvent struct {
	MessageID     string
	TaskID        string // empty when the message is not task-scoped
	SenderName    string
	RecipientName string
	Content       string
}

// TaskStartedEvent is published the first time a task's clock starts.
// Idempotent re-starts do not publish.
type TaskStartedEvent struct {
	TaskID string
	Title  string
}

// AgentRegisteredEvent is published on first registration of a name.
// Reconnects (upserts of a known name) do not publish.
type AgentRegisteredEvent struct {
	AgentID string
	Name    string
}

// LivenessEvent is the periodic directory snapshot from maintenance.
type LivenessEvent struct {
	TotalAgents  int
	RecentAgents int // seen within the liveness window
}
