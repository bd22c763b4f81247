// Package jobs runs one-off messages: an ephemeral DM channel, a single
// expected agent reply, and bounded in-memory bookkeeping.
package jobs

import (
	"time"

	"github.com/agentmesh/agentmesh/internal/messaging/models"
)

// State is a job's lifecycle phase.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateTimeout    State = "TIMEOUT"
)

// terminal reports whether the state accepts no further transitions.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout
}

// actionMessagePrefix marks an intermediate agent message announcing work in
// progress; the job completes on the next regular message instead.
const actionMessagePrefix = "Executing action:"

// Result carries the agent reply that completed a job.
type Result struct {
	Message *models.Message `json:"message"`
}

// Job is the in-memory record of one one-off message.
type Job struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	AgentID   string         `json:"agentId"`
	ChannelID string         `json:"channelId"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	State     State          `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	// Deadline bounds the wait for the agent reply.
	Deadline time.Time `json:"deadline"`
	Result   *Result   `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`

	// actionMessageReceived remembers that an intermediate "Executing
	// action:" message arrived and a final reply is still expected.
	actionMessageReceived bool
}

// Health is the jobs subsystem health report.
type Health struct {
	Status    string        `json:"status"`
	TotalJobs int           `json:"totalJobs"`
	ByState   map[State]int `json:"byState"`
	Timestamp time.Time     `json:"timestamp"`
}
