// Package job defines the field-level protocol of the per-workflow job
// record. The record is a single HASH-shaped document keyed by workflow ID
// and owned jointly by the scheduler and the executor: the scheduler writes
// replay slots and status transitions, the executor reads them back as the
// replay log.
//
// Three field families share the record namespace:
//
//   - replay slots, named "-<op><dimension>-<index>-", caching the result of
//     the durable primitive that ran at (op, dimension, index);
//   - user search fields, prefixed with "_" to keep them clear of reserved
//     names; and
//   - reserved metadata fields (status, timestamps, response, $error, the
//     JSONB context document).
package job

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Reserved metadata fields on the job record.
const (
	// FieldContext holds the user JSONB document mutated by entity ops.
	FieldContext = "context"
	// FieldStatus is the status semaphore. Values at or below zero are
	// terminal (see the Status* constants).
	FieldStatus = "status"
	// FieldError holds the serialized terminal error, when any.
	FieldError = "$error"
	// FieldResponse holds the serialized workflow return value.
	FieldResponse = "response"
	// FieldCreated and FieldUpdated are RFC3339Nano job timestamps.
	FieldCreated = "jc"
	FieldUpdated = "ju"
	// FieldChildren is a JSON array of child job IDs spawned by this job,
	// used for cascading interrupts.
	FieldChildren = "children"
	// FieldDimensions is the hook dimension counter: the scheduler
	// increments it to assign each new dimensional thread its coordinate.
	FieldDimensions = "dims"
	// FieldSignals is a JSON object queuing signals that arrived while no
	// thread was parked on them.
	FieldSignals = "signals"
)

// SearchPrefix guards user search fields against reserved-name collisions.
const SearchPrefix = "_"

// FieldParent holds the JSON parent link on an awaited child record so the
// scheduler can fill the parent's replay slot on terminal transition.
const FieldParent = "@p"

// MessageField names the reserved field caching the serialized re-entry
// message for a dimensional thread while the thread is suspended.
func MessageField(dimension string) string { return "@m" + dimension }

// HookField names the reserved field recording a hook thread's terminal
// outcome on its dimensional coordinate. Its presence marks the thread
// finished, so re-delivered dispatches for the dimension are dropped.
func HookField(dimension string) string { return "@h" + dimension }

// Status semaphore values. Positive means live; zero and below terminal.
const (
	StatusActive      = 1
	StatusCompleted   = 0
	StatusFailed      = -1
	StatusInterrupted = -2
)

// Replay-slot operation names. The initial of each op participates in the
// replay-log prefix query, so ops must not share a first letter with a
// reserved metadata field.
const (
	OpProxy     = "proxy"
	OpChild     = "child"
	OpStart     = "start"
	OpSleep     = "sleep"
	OpWait      = "wait"
	OpHook      = "hook"
	OpEntity    = "entity"
	OpSearch    = "search"
	OpTrace     = "trace"
	OpEmit      = "emit"
	OpPublish   = "publish"
	OpInterrupt = "interrupt"
)

// SlotName composes the deterministic replay-slot field name for op at
// (dimension, index). The dimension string is carried byte-for-byte; only
// the scheduler mints new dimensions.
func SlotName(op, dimension string, index int) string {
	return "-" + op + dimension + "-" + strconv.Itoa(index) + "-"
}

// MarkerName composes the field name of a side-effect replay marker. Markers
// extend a slot name with a sequence so multi-step sessions (entity/search
// handles) get one marker per mutation.
func MarkerName(op, dimension string, index, seq int) string {
	return "-" + op + dimension + "-" + strconv.Itoa(index) + "." + strconv.Itoa(seq) + "-"
}

// ReplayPattern returns the glob the executor hands to the store when
// loading the replay log for a dimensional thread. The pattern
// over-matches (a main-thread query also matches hook slots); callers
// filter with ParseSlot for exact dimensional isolation.
func ReplayPattern(dimension string) string {
	if dimension == "" {
		return "-*-*"
	}
	return "-*" + dimension + "-*"
}

// ParseSlot decomposes a replay-slot or marker field name. ok is false for
// fields that are not replay slots (metadata, search fields). The seq result
// is -1 for plain slots and the marker sequence for marker fields.
func ParseSlot(field string) (op, dimension string, index, seq int, ok bool) {
	if len(field) < 5 || field[0] != '-' || field[len(field)-1] != '-' {
		return "", "", 0, 0, false
	}
	body := field[1 : len(field)-1]
	dash := strings.LastIndexByte(body, '-')
	if dash <= 0 || dash == len(body)-1 {
		return "", "", 0, 0, false
	}
	head, tail := body[:dash], body[dash+1:]
	seq = -1
	if dot := strings.IndexByte(tail, '.'); dot >= 0 {
		s, err := strconv.Atoi(tail[dot+1:])
		if err != nil {
			return "", "", 0, 0, false
		}
		seq = s
		tail = tail[:dot]
	}
	index, err := strconv.Atoi(tail)
	if err != nil {
		return "", "", 0, 0, false
	}
	if comma := strings.IndexByte(head, ','); comma >= 0 {
		op, dimension = head[:comma], head[comma:]
	} else {
		op = head
	}
	if op == "" {
		return "", "", 0, 0, false
	}
	return op, dimension, index, seq, true
}

// SearchField maps a user search key onto its stored field name. Keys are
// prefixed with "_" unless quoted, which addresses the raw field directly.
func SearchField(key string) string {
	if len(key) >= 2 && key[0] == '"' && key[len(key)-1] == '"' {
		return key[1 : len(key)-1]
	}
	return SearchPrefix + key
}

// ChildDimension extends a parent dimension with a new thread ordinal,
// producing coordinates of the form ",0", ",0,1".
func ChildDimension(parent string, ordinal int) string {
	return parent + "," + strconv.Itoa(ordinal)
}

// guidSpace namespaces deterministic GUIDs so they cannot collide with
// GUIDs minted elsewhere.
var guidSpace = uuid.MustParse("9a3412e5-5f92-47ac-ae74-1b2f3c0a9d44")

// DeterministicGUID derives a stable GUID from the given parts. Used for
// child job IDs and search-session roots, which must be identical on every
// replay of the same call site.
func DeterministicGUID(parts ...string) string {
	return uuid.NewSHA1(guidSpace, []byte(strings.Join(parts, "|"))).String()
}

// ChildJobID composes the deterministic job ID for a child spawned without
// an explicit workflow ID: entity, workflow name, a GUID derived from the
// parent call site, and the spawning coordinates.
func ChildJobID(entity, workflowName, parentID, dimension string, index int) string {
	guid := DeterministicGUID(parentID, dimension, strconv.Itoa(index))
	parts := make([]string, 0, 5)
	if entity != "" {
		parts = append(parts, entity)
	}
	parts = append(parts, workflowName, guid)
	if dimension != "" {
		parts = append(parts, dimension)
	}
	parts = append(parts, strconv.Itoa(index))
	return strings.Join(parts, "-")
}

// Terminal reports whether the given status semaphore value is terminal.
func Terminal(status int) bool { return status <= 0 }

// ParseStatus decodes a stored semaphore value. Missing or malformed values
// are reported as active so a half-written record is not treated terminal.
func ParseStatus(raw string) int {
	if raw == "" {
		return StatusActive
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return StatusActive
	}
	return n
}

// WorkflowTopic composes the routing topic a workflow function registers
// under: namespace-qualified task queue plus workflow name.
func WorkflowTopic(namespace, taskQueue, workflowName string) string {
	return namespace + "." + taskQueue + "." + workflowName
}

// Topics used on the pub/sub bus, namespaced per engine.
func ExecuteTopic(namespace string) string   { return namespace + ".execute" }
func SignalTopic(namespace string) string    { return namespace + ".wfs.signal" }
func FlowTopic(namespace string) string      { return namespace + ".flow.signal" }
func InterruptTopic(namespace string) string { return namespace + ".wfs.interrupt" }

// JobTopic carries completion notifications for handle waiters.
func JobTopic(namespace, jobID string) string {
	return fmt.Sprintf("%s.job.%s", namespace, jobID)
}

// ActivityTopic derives the activity task-queue topic from a workflow task
// queue when no explicit queue was configured.
func ActivityTopic(namespace, taskQueue string) string {
	return namespace + "." + taskQueue + "-activity"
}
