// Package relay defines the domain model of the relay engine: agents,
// tasks, messages, and the derived task time-budget status. All durable
// state lives in the persistence layer; these types are plain values.
package relay

import "time"

// Agent is a registered participant in the directory. Names are unique
// and immutable after registration.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Task groups related messages and carries an optional elapsed-time
// budget. StartedAt is set at most once; status is always derived, never
// stored.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	CreatedBy      string     `json:"created_by"`
	TimeBudgetSecs *int64     `json:"time_budget_secs,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Message is a point-to-point exchange between two agents. Messages are
// immutable after creation and never deleted by the relay. TaskID is
// nullable: if the referenced task is removed by administrative action
// the message keeps its content and loses the association.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskState is the derived lifecycle position of a task.
type TaskState string

const (
	TaskNotStarted TaskState = "not_started"
	TaskRunning    TaskState = "running"
	TaskOverdue    TaskState = "overdue"
)

// TaskStatus is the computed view of a task's time budget. Elapsed is
// present once the task has started. Remaining is present only while a
// budgeted task is within budget; Overrun only once it is past it. A
// running task with no budget has unlimited remaining time.
type TaskStatus struct {
	Task          Task      `json:"task"`
	State         TaskState `json:"state"`
	ElapsedSecs   *int64    `json:"elapsed_secs,omitempty"`
	RemainingSecs *int64    `json:"remaining_secs,omitempty"`
	OverrunSecs   *int64    `json:"overrun_secs,omitempty"`
}

// ComputeStatus derives the status of a task at the given instant. It is
// a pure function of now and the stored fields, so there is no staleness
// window and no background timer.
func ComputeStatus(task Task, now time.Time) TaskStatus {
	status := TaskStatus{Task: task, State: TaskNotStarted}
	if task.StartedAt == nil {
		return status
	}

	elapsed := int64(now.Sub(*task.StartedAt) / time.Second)
	status.ElapsedSecs = &elapsed
	status.State = TaskRunning

	if task.TimeBudgetSecs == nil {
		// Unlimited budget: running forever, remaining unset.
		return status
	}

	remaining := *task.TimeBudgetSecs - elapsed
	if remaining < 0 {
		overrun := -remaining
		status.State = TaskOverdue
		status.OverrunSecs = &overrun
		return status
	}
	status.RemainingSecs = &remaining
	return status
}

// MessageFilter selects messages from the log. All predicates are
// optional and combined conjunctively; the zero value matches the whole
// log.
type MessageFilter struct {
	TaskID      string
	SenderID    string
	RecipientID string
	Since       *time.Time
	Limit       int // 0 = unlimited
}

// RegisterAgent holds the parameters of a directory registration.
type RegisterAgent struct {
	Name        string
	Description string
}

// CreateTask holds the parameters of a ledger create.
type CreateTask struct {
	Title          string
	CreatedBy      string
	TimeBudgetSecs *int64
}

// CreateMessage holds the parameters of a log append.
type CreateMessage struct {
	SenderID    string
	RecipientID string
	TaskID      string // optional; must resolve when set
	Content     string
}
