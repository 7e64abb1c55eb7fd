// Package workflow provides the durable primitives available inside workflow
// functions: activity proxies, durable timers, signal waits and sends, child
// workflows, dimensional hook threads, entity and search storage, emit and
// trace side-effects, deterministic randomness, and the All combinator.
//
// Every primitive follows the cached-or-interrupt protocol: it draws an
// execution index from the invocation counter, derives its replay-slot name,
// and either returns the cached result or registers an interruption and
// returns it as an error. The enclosing executor converts the interruption
// into a scheduler envelope. User code must propagate primitive errors
// unchanged; interrupt.DidInterrupt distinguishes control signals from
// application errors inside recovery blocks.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/loom/config"
	"goa.design/loom/interrupt"
	"goa.design/loom/job"
	"goa.design/loom/pubsub"
	"goa.design/loom/store"
	"goa.design/loom/telemetry"
)

type (
	// Context is the per-invocation ambient state threaded through every
	// durable primitive. It is created by the executor for one re-entry and
	// discarded when the invocation returns; it must not be retained or
	// shared across goroutines.
	Context struct {
		context.Context

		msg    *job.Message
		cfg    config.Config
		store  store.Store
		bus    pubsub.Publisher
		logger telemetry.Logger
		tracer telemetry.Tracer

		// counter is shared by every primitive on this dimensional thread;
		// its increments are the sole identity of a call site across
		// replays.
		counter *int
		// registry accumulates interruption envelopes raised during the
		// invocation, in counter order.
		registry *[]*interrupt.Interruption
		// markers accumulates side-effect replay markers performed during
		// the invocation for the scheduler to persist on re-entry.
		markers *[]string
		// replay is the loaded replay log keyed by slot name.
		replay map[string]string
		// cursor is non-empty when the replay-log read hit its page limit;
		// missing slots are then fetched on demand.
		cursor string
		// cache holds read-through values for search field gets.
		cache map[string]string
	}

	// Params bundles the executor-provided state for NewContext.
	Params struct {
		Message *job.Message
		Config  config.Config
		Store   store.Store
		Bus     pubsub.Publisher
		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Replay  map[string]string
		Cursor  string
	}
)

// NewContext builds the invocation context for one executor re-entry. The
// counter starts at zero and the interruption registry empty.
func NewContext(ctx context.Context, p Params) *Context {
	counter := 0
	registry := make([]*interrupt.Interruption, 0, 4)
	markers := make([]string, 0, 4)
	logger := p.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := p.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	replay := p.Replay
	if replay == nil {
		replay = map[string]string{}
	}
	return &Context{
		Context:  ctx,
		msg:      p.Message,
		cfg:      p.Config,
		store:    p.Store,
		bus:      p.Bus,
		logger:   logger,
		tracer:   tracer,
		counter:  &counter,
		registry: &registry,
		markers:  &markers,
		replay:   replay,
		cursor:   p.Cursor,
		cache:    map[string]string{},
	}
}

// WorkflowID returns the job identifier of this execution.
func (c *Context) WorkflowID() string { return c.msg.WorkflowID }

// WorkflowName returns the registered workflow function name.
func (c *Context) WorkflowName() string { return c.msg.WorkflowName }

// WorkflowTopic returns the namespace-qualified routing topic.
func (c *Context) WorkflowTopic() string { return c.msg.WorkflowTopic }

// TaskQueue returns the queue this workflow executes on.
func (c *Context) TaskQueue() string { return c.msg.TaskQueue }

// Namespace returns the engine namespace.
func (c *Context) Namespace() string { return c.msg.Namespace }

// Dimension returns the dimensional-thread coordinate of this invocation,
// empty on the main thread.
func (c *Context) Dimension() string { return c.msg.WorkflowDimension }

// OriginJobID returns the root job of the spawn tree.
func (c *Context) OriginJobID() string { return c.msg.OriginJobID }

// ParentWorkflowID returns the spawning job, empty at the root.
func (c *Context) ParentWorkflowID() string { return c.msg.ParentWorkflowID }

// CanRetry reports whether the scheduler will retry a recoverable failure of
// this invocation.
func (c *Context) CanRetry() bool { return c.msg.CanRetry() }

// Message exposes the raw scheduler message for interceptors.
func (c *Context) Message() *job.Message { return c.msg }

// Registry returns the interruption registry accumulated so far, in counter
// order. The executor consults it to decide collation.
func (c *Context) Registry() []*interrupt.Interruption { return *c.registry }

// Markers returns the side-effect replay markers performed during this
// invocation. The scheduler persists them with the next transition.
func (c *Context) Markers() []string { return *c.markers }

// next draws the execution index for the calling primitive. The counter is
// incremented before the replay check so indices are stable across replays.
func (c *Context) next() int {
	*c.counter++
	return *c.counter
}

// peek returns the index the next primitive call will draw, without
// consuming it. Used to derive identifiers tied to an upcoming call site.
func (c *Context) peek() int { return *c.counter + 1 }

// push registers an interruption and returns it as the error the primitive
// propagates.
func (c *Context) push(in *interrupt.Interruption) error {
	in.Code = in.Kind.Code()
	in.Dimension = c.msg.WorkflowDimension
	*c.registry = append(*c.registry, in)
	return in
}

// mark records a performed side-effect marker for scheduler persistence.
func (c *Context) mark(field string) {
	*c.markers = append(*c.markers, field)
}

// lookup resolves a replay field. When the replay log was truncated by the
// page limit, missing fields are fetched on demand from the store.
func (c *Context) lookup(field string) (string, bool, error) {
	if v, ok := c.replay[field]; ok {
		return v, true, nil
	}
	if c.cursor == "" {
		return "", false, nil
	}
	v, err := c.store.GetField(c.Context, c.msg.WorkflowID, field)
	if errors.Is(err, store.ErrFieldNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	c.replay[field] = v
	return v, true, nil
}

// lookupSlot resolves and decodes a replay slot.
func (c *Context) lookupSlot(field string) (*job.Slot, bool, error) {
	raw, ok, err := c.lookup(field)
	if err != nil || !ok {
		return nil, ok, err
	}
	slot, err := job.DecodeSlot(raw)
	if err != nil {
		return nil, true, fmt.Errorf("malformed replay slot %q: %w", field, err)
	}
	return slot, true, nil
}

// sideEffect implements the one-shot gate shared by signal, emit, trace,
// hook, and interrupt sends: done is true when the marker shows the effect
// already ran on a prior replay. Callers perform the effect only when done
// is false and then record the returned field with mark so the scheduler
// persists it on the next transition.
func (c *Context) sideEffect(op string, index int) (field string, done bool, err error) {
	field = job.SlotName(op, c.msg.WorkflowDimension, index)
	_, ok, err := c.lookup(field)
	return field, ok, err
}

// Args decodes the workflow argument list into T (typically a slice or
// struct type matching how the workflow was started).
func Args[T any](c *Context) (T, error) {
	var out T
	if len(c.msg.Arguments) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(c.msg.Arguments, &out); err != nil {
		return out, fmt.Errorf("decode workflow arguments: %w", err)
	}
	return out, nil
}

// Arg decodes the i-th workflow argument into T.
func Arg[T any](c *Context, i int) (T, error) {
	var out T
	var raw []json.RawMessage
	if len(c.msg.Arguments) > 0 {
		if err := json.Unmarshal(c.msg.Arguments, &raw); err != nil {
			return out, fmt.Errorf("decode workflow arguments: %w", err)
		}
	}
	if i < 0 || i >= len(raw) {
		return out, fmt.Errorf("workflow argument %d out of range (%d provided)", i, len(raw))
	}
	if err := json.Unmarshal(raw[i], &out); err != nil {
		return out, fmt.Errorf("decode workflow argument %d: %w", i, err)
	}
	return out, nil
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode cached result: %w", err)
	}
	return out, nil
}

func encodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(args)
}
