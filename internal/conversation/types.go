// Package conversation defines the conversation domain model and its
// durable flow execution state.
package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversation.
type Status string

// Conversation status constants.
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// FlowPhase is the flow execution phase of a conversation.
type FlowPhase string

// Flow phase constants. running only appears between a successful claim and
// the next persisted state; a crash mid-run leaves the phase recoverable by
// the operator rather than wedged on a timer.
const (
	PhaseIdle        FlowPhase = "idle"
	PhaseRunning     FlowPhase = "running"
	PhasePausedDelay FlowPhase = "paused_delay"
	PhasePausedInput FlowPhase = "paused_input"
)

// FlowState is the single durable record of where a conversation stands in a
// flow. It is persisted as one JSONB column so the phase and its payload
// travel together; a paused phase always carries the flow and node to resume
// from, and idle carries nothing.
type FlowState struct {
	Phase  FlowPhase `json:"phase"`
	FlowID string    `json:"flow_id,omitempty"`
	// NodeID is the node the engine resumes from, not the node that paused.
	NodeID   string     `json:"node_id,omitempty"`
	ResumeAt *time.Time `json:"resume_at,omitempty"`
	// AwaitVar names the variable the next inbound message is captured into.
	AwaitVar  string            `json:"await_var,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// IdleState returns the zero flow state.
func IdleState() FlowState {
	return FlowState{Phase: PhaseIdle}
}

// RunningState marks a claimed execution, keeping the variable bag.
func RunningState(flowID string, variables map[string]string) FlowState {
	return FlowState{Phase: PhaseRunning, FlowID: flowID, Variables: variables}
}

// PausedDelayState records a timer pause.
func PausedDelayState(flowID, nodeID string, resumeAt time.Time, variables map[string]string) FlowState {
	return FlowState{
		Phase:     PhasePausedDelay,
		FlowID:    flowID,
		NodeID:    nodeID,
		ResumeAt:  &resumeAt,
		Variables: variables,
	}
}

// PausedInputState records a wait for the customer's next message.
func PausedInputState(flowID, nodeID, awaitVar string, variables map[string]string) FlowState {
	return FlowState{
		Phase:     PhasePausedInput,
		FlowID:    flowID,
		NodeID:    nodeID,
		AwaitVar:  awaitVar,
		Variables: variables,
	}
}

// InFlow reports whether a flow holds this conversation. While true, new
// trigger matching is suppressed.
func (s FlowState) InFlow() bool {
	return s.Phase != PhaseIdle && s.FlowID != ""
}

// AwaitingInput reports whether the next inbound message should resume the
// flow rather than start trigger matching.
func (s FlowState) AwaitingInput() bool {
	return s.Phase == PhasePausedInput
}

// Validate rejects phase/payload combinations that must not be persisted.
func (s FlowState) Validate() error {
	switch s.Phase {
	case PhaseIdle:
		if s.FlowID != "" || s.NodeID != "" || s.ResumeAt != nil {
			return fmt.Errorf("idle flow state carries payload")
		}
	case PhaseRunning:
		if s.FlowID == "" {
			return fmt.Errorf("running flow state without flow id")
		}
	case PhasePausedDelay:
		if s.FlowID == "" || s.NodeID == "" || s.ResumeAt == nil {
			return fmt.Errorf("paused_delay flow state missing flow, node or resume time")
		}
	case PhasePausedInput:
		if s.FlowID == "" || s.NodeID == "" {
			return fmt.Errorf("paused_input flow state missing flow or node")
		}
	default:
		return fmt.Errorf("unknown flow phase %q", s.Phase)
	}
	return nil
}

// Conversation is the single thread between one customer and one channel
// account. At most one exists per (customer, channel account) pair.
type Conversation struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	CustomerID       uuid.UUID
	ChannelAccountID uuid.UUID
	AssignedAgentID  *uuid.UUID
	Status           Status
	RequestHuman     bool
	FlowState        FlowState
	LastMessageAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Assigned reports whether a human agent owns this conversation.
func (c *Conversation) Assigned() bool {
	return c.AssignedAgentID != nil
}
