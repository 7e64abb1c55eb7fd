package job

import (
	"encoding/json"
	"time"

	"goa.design/loom/interrupt"
)

type (
	// Message is the invocation envelope the scheduler delivers to the
	// executor for each workflow re-entry, and the unit exchanged on the
	// execute topic.
	Message struct {
		// WorkflowID keys the job record.
		WorkflowID string `json:"workflowId"`
		// WorkflowTopic routes the message to a registered workflow
		// (namespace-qualified task queue plus workflow name).
		WorkflowTopic string `json:"workflowTopic"`
		// WorkflowName is the registered workflow function name.
		WorkflowName string `json:"workflowName"`
		// TaskQueue is the queue the workflow worker listens on.
		TaskQueue string `json:"taskQueue"`
		// Namespace scopes all record keys and topics.
		Namespace string `json:"namespace"`
		// Arguments is the JSON-encoded workflow argument list.
		Arguments json.RawMessage `json:"arguments,omitempty"`
		// OriginJobID is the root job of the spawn tree.
		OriginJobID string `json:"originJobId,omitempty"`
		// ParentWorkflowID links a child to its parent, empty at the root.
		ParentWorkflowID string `json:"parentWorkflowId,omitempty"`
		// WorkflowDimension is the dimensional-thread coordinate, empty on
		// the main thread. Opaque to the executor; minted by the scheduler.
		WorkflowDimension string `json:"workflowDimension,omitempty"`
		// Expire is the record TTL applied after completion.
		Expire time.Duration `json:"expire,omitempty"`
		// Persistent suppresses TTL expiry until explicit removal.
		Persistent bool `json:"persistent,omitempty"`
		// SignalIn marks the job as accepting inbound signals.
		SignalIn bool `json:"signalIn,omitempty"`
		// Attempt and MaximumAttempts carry the scheduler-side retry state.
		Attempt         int `json:"attempt,omitempty"`
		MaximumAttempts int `json:"maximumAttempts,omitempty"`
	}

	// SignalMessage is the unit on the signal topic.
	SignalMessage struct {
		SignalID  string          `json:"signalId"`
		Data      json.RawMessage `json:"data,omitempty"`
		Namespace string          `json:"namespace,omitempty"`
	}

	// ActivityMessage is the unit on an activity task-queue topic. The
	// scheduler derives it from a proxy interruption and activity workers
	// consume it.
	ActivityMessage struct {
		// JobID and Dimension locate the replay slot the result lands in.
		JobID     string `json:"jobId"`
		Dimension string `json:"dimension,omitempty"`
		// Index is the execution index of the raising call site.
		Index int `json:"index"`
		// ActivityName identifies the registered activity function.
		ActivityName string `json:"activityName"`
		// TaskQueue is the resolved activity queue.
		TaskQueue string `json:"taskQueue"`
		// Arguments is the JSON-encoded argument list.
		Arguments json.RawMessage `json:"arguments,omitempty"`
		// Namespace scopes topics for the reply path.
		Namespace string `json:"namespace,omitempty"`
		// Attempt is 1-based; Retry carries the resolved ladder policy.
		Attempt int                   `json:"attempt"`
		Retry   interrupt.RetryPolicy `json:"retry"`
	}

	// ParentLink is stored under FieldParent on an awaited child record. It
	// tells the scheduler which parent replay slot to fill when the child
	// reaches a terminal status.
	ParentLink struct {
		JobID     string `json:"jobId"`
		Dimension string `json:"dimension,omitempty"`
		Slot      string `json:"slot"`
	}

	// Notification is published on the job topic at every terminal
	// transition; handles subscribe to it to resolve Result waits.
	Notification struct {
		WorkflowID string          `json:"workflowId"`
		Status     int             `json:"status"`
		Response   json.RawMessage `json:"response,omitempty"`
		Error      *ErrorRecord    `json:"$error,omitempty"`
	}

	// InterruptMessage is the unit on the interrupt topic.
	InterruptMessage struct {
		WorkflowID string `json:"workflowId"`
		// Reason is recorded in the job's $error payload.
		Reason string `json:"reason,omitempty"`
		// Throw controls whether handle Result rejects (default true).
		Throw *bool `json:"throw,omitempty"`
		// Descend cascades the interrupt to child jobs.
		Descend bool `json:"descend,omitempty"`
		// Expire overrides the record TTL applied after interruption.
		Expire time.Duration `json:"expire,omitempty"`
	}
)

// CanRetry reports whether another attempt is allowed. A zero
// MaximumAttempts defers to the engine default, which the scheduler
// resolves before constructing the message.
func (m *Message) CanRetry() bool {
	return m.MaximumAttempts == 0 || m.Attempt < m.MaximumAttempts
}
