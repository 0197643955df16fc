// Package store implements the engine's durable, single-writer
// persistence layer over sqlite3: agents, agent log lines, tasks,
// queue entries, queue settings, and the operational log table.
package store

import "time"

// AgentKind is the closed set of agent roles the ALM can spawn.
type AgentKind string

const (
	AgentKindTriage      AgentKind = "triage"
	AgentKindCoding      AgentKind = "coding"
	AgentKindReviewer    AgentKind = "reviewer"
	AgentKindDeployer    AgentKind = "deployer"
	AgentKindVerifier    AgentKind = "verifier"
	AgentKindAuditor     AgentKind = "auditor"
	AgentKindHealthcheck AgentKind = "healthcheck"
)

// HostMode reports whether this kind runs as a host process rather
// than inside a container sandbox.
func (k AgentKind) HostMode() bool {
	return k == AgentKindDeployer || k == AgentKindHealthcheck
}

// AgentStatus is the closed set of lifecycle states for an Agent row.
type AgentStatus string

const (
	AgentStatusStarting  AgentStatus = "starting"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusTimeout   AgentStatus = "timeout"
	AgentStatusKilled    AgentStatus = "killed"
)

// Terminal reports whether the status is one of the terminal states.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusTimeout, AgentStatusKilled:
		return true
	default:
		return false
	}
}

// Agent represents one execution of a sandboxed assistant.
type Agent struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"taskId"`
	SandboxHandle string      `json:"sandboxHandle,omitempty"`
	Kind          AgentKind   `json:"kind"`
	Status        AgentStatus `json:"status"`
	StartedAt     time.Time   `json:"startedAt"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	ExitCode      *int        `json:"exitCode,omitempty"`
	ErrorText     string      `json:"errorText,omitempty"`
	Metadata      string      `json:"metadata,omitempty"` // freeform JSON
}

// LogStream identifies which sandbox stream a log line came from.
type LogStream string

const (
	LogStreamOut      LogStream = "out"
	LogStreamErr      LogStream = "err"
	LogStreamCombined LogStream = "combined"
)

// AgentLogLine is one append-only line of sandbox output.
type AgentLogLine struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
	Stream    LogStream `json:"stream"`
	Content   string    `json:"content"`
}

// TaskStatus is the closed set of mirrored task states.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusInProg    TaskStatus = "in_progress"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task mirrors a minimal subset of upstream task metadata needed to
// drive routing.
type Task struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Kind              string     `json:"kind,omitempty"`
	Status            TaskStatus `json:"status"`
	Repo              string     `json:"repo,omitempty"`
	Repos             []string   `json:"repos,omitempty"` // secondary repositories
	InvestigationOnly bool       `json:"investigationOnly,omitempty"`
	ExecutionPlan     string     `json:"executionPlan,omitempty"` // serialized ExecutionPlan JSON, optional
	AssignedAgentID   string     `json:"assignedAgentId,omitempty"`
	ParentID          string     `json:"parentId,omitempty"` // originating task, for bug tasks spawned off a failed verification or audit
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// QueueStatus is the closed set of queue-entry states.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueEntry tracks one task's position in the processing queue.
type QueueEntry struct {
	ID          int64       `json:"id"`
	TaskID      string      `json:"taskId"`
	Position    int         `json:"position"`
	Status      QueueStatus `json:"status"`
	QueuedAt    time.Time   `json:"queuedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// QueueSettings holds the recognized key/value toggles for the queue
// processor: paused, stop_on_failure, max_concurrent.
type QueueSettings struct {
	Paused        bool `json:"paused"`
	StopOnFailure bool `json:"stopOnFailure"`
	MaxConcurrent int  `json:"maxConcurrent"`
}

// AgentAnalytics buckets agent counts by terminal/non-terminal status.
type AgentAnalytics struct {
	Total     int `json:"total"`
	Starting  int `json:"starting"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
	Killed    int `json:"killed"`
}
