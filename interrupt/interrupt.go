// Package interrupt defines the control messages that flow from the durable
// executor to the scheduler. Every durable primitive that cannot be satisfied
// from the replay log raises an Interruption describing the operation it
// needs performed before the workflow can be re-entered. Interruptions are
// errors so they travel through ordinary Go error returns; user code that
// inspects errors must re-propagate them (see DidInterrupt).
//
// The numeric wire codes are the contract between executor and scheduler and
// must not change: schedulers built against earlier releases key their
// dispatch tables on them.
package interrupt

import (
	"errors"
	"fmt"
	"time"
)

// Wire codes exchanged between executor and scheduler. 200 signals
// completion; 5xx codes are control signals or terminal errors.
const (
	CodeSuccess  = 200
	CodeSleep    = 588
	CodeCollated = 589
	CodeChild    = 590
	CodeProxy    = 591
	CodeWait     = 595
	CodeTimeout  = 596
	CodeMaxed    = 597
	CodeFatal    = 598
	CodeRetry    = 599
)

// Kind discriminates the interruption variants.
type Kind string

const (
	// KindSleep requests a durable timer.
	KindSleep Kind = "sleep"
	// KindWait requests suspension until a signal arrives.
	KindWait Kind = "wait"
	// KindProxy requests execution of an activity on a task queue.
	KindProxy Kind = "proxy"
	// KindChild requests a child workflow spawn.
	KindChild Kind = "child"
	// KindCollated bundles multiple concurrent requests into one envelope.
	KindCollated Kind = "collated"
)

// Code returns the wire code for the kind.
func (k Kind) Code() int {
	switch k {
	case KindSleep:
		return CodeSleep
	case KindWait:
		return CodeWait
	case KindProxy:
		return CodeProxy
	case KindChild:
		return CodeChild
	case KindCollated:
		return CodeCollated
	}
	return CodeRetry
}

type (
	// Interruption is the typed suspension request a durable primitive
	// raises on a replay-cache miss. Exactly one of the operation payloads
	// is set for leaf interruptions; Items is set for collated envelopes.
	Interruption struct {
		// Kind discriminates the payload.
		Kind Kind `json:"kind"`
		// Code is the wire code (see Kind.Code). Set when the envelope is
		// built so serialized forms carry it explicitly.
		Code int `json:"code"`
		// Index is the execution index drawn from the invocation counter.
		Index int `json:"index"`
		// Dimension is the dimensional-thread coordinate of the raising
		// invocation (empty for the main thread).
		Dimension string `json:"dimension"`

		Sleep *SleepRequest `json:"sleep,omitempty"`
		Wait  *WaitRequest  `json:"wait,omitempty"`
		Proxy *ProxyRequest `json:"proxy,omitempty"`
		Child *ChildRequest `json:"child,omitempty"`

		// Items holds the ordered interruption registry when Kind is
		// KindCollated.
		Items []*Interruption `json:"items,omitempty"`
	}

	// SleepRequest asks the scheduler for a durable timer.
	SleepRequest struct {
		// Duration is the requested timer length.
		Duration time.Duration `json:"duration"`
	}

	// WaitRequest asks the scheduler to park the thread until a signal with
	// the given ID is published.
	WaitRequest struct {
		SignalID string `json:"signalId"`
	}

	// ProxyRequest asks the scheduler to run an activity and cache its
	// result in the raising job's replay log.
	ProxyRequest struct {
		// ActivityName identifies the registered activity function.
		ActivityName string `json:"activityName"`
		// TaskQueue routes the activity job. Derived from the workflow task
		// queue when the caller did not override it.
		TaskQueue string `json:"taskQueue"`
		// Arguments is the JSON-encoded argument list.
		Arguments []byte `json:"arguments"`
		// Retry carries the per-activity retry policy.
		Retry RetryPolicy `json:"retry"`
		// Expire bounds the activity job TTL. Zero means engine default.
		Expire time.Duration `json:"expire,omitempty"`
	}

	// ChildRequest asks the scheduler to spawn (and optionally await) a
	// child workflow.
	ChildRequest struct {
		// WorkflowID is the deterministic child job identifier.
		WorkflowID string `json:"workflowId"`
		// WorkflowName names the child workflow function.
		WorkflowName string `json:"workflowName"`
		// TaskQueue routes the child workflow.
		TaskQueue string `json:"taskQueue"`
		// Arguments is the JSON-encoded argument list.
		Arguments []byte `json:"arguments"`
		// Await is false for fire-and-forget children: the replay slot is
		// filled with the child job ID instead of its result.
		Await bool `json:"await"`
		// Hook marks the request as a dimensional-thread reentry on an
		// existing job rather than a fresh child job.
		Hook bool `json:"hook,omitempty"`
		// Dimension is the coordinate of the thread requesting the hook,
		// so the minted thread nests under it. Empty requests a top-level
		// thread.
		Dimension string `json:"dimension,omitempty"`
		// SignalIn indicates the child accepts inbound signals.
		SignalIn bool `json:"signalIn,omitempty"`
		// Retry carries the workflow-level retry policy for the child.
		Retry RetryPolicy `json:"retry"`
		// Expire bounds the child job TTL after completion.
		Expire time.Duration `json:"expire,omitempty"`
	}

	// RetryPolicy defines the exponential backoff ladder applied by the
	// scheduler. Zero-valued fields fall back to engine defaults.
	RetryPolicy struct {
		// MaximumAttempts caps total attempts. Zero means engine default.
		MaximumAttempts int `json:"maximumAttempts,omitempty"`
		// BackoffCoefficient is the base of the exponential delay
		// (delay = BackoffCoefficient^attempt seconds, capped).
		BackoffCoefficient float64 `json:"backoffCoefficient,omitempty"`
		// MaximumInterval caps the delay between attempts.
		MaximumInterval time.Duration `json:"maximumInterval,omitempty"`
		// ThrowOnError controls whether a cached activity error is raised
		// on replay or returned as a value. Defaults to true.
		ThrowOnError *bool `json:"throwOnError,omitempty"`
	}
)

// Error implements the error interface so interruptions propagate through
// ordinary return paths.
func (i *Interruption) Error() string {
	return fmt.Sprintf("workflow interrupted: %s (index %d, dimension %q)", i.Kind, i.Index, i.Dimension)
}

// Collate bundles the given registry into a single collated envelope. The
// registry order is preserved: it mirrors counter assignment order.
func Collate(items []*Interruption) *Interruption {
	return &Interruption{
		Kind:  KindCollated,
		Code:  CodeCollated,
		Items: items,
	}
}

// DidInterrupt reports whether err is (or wraps) a workflow interruption.
// User code that catches errors inside a workflow must consult this predicate
// and re-propagate interruptions: swallowing one corrupts the replay log.
func DidInterrupt(err error) bool {
	var in *Interruption
	return errors.As(err, &in)
}

// As extracts the interruption from err, if any.
func As(err error) (*Interruption, bool) {
	var in *Interruption
	if errors.As(err, &in) {
		return in, true
	}
	return nil, false
}
