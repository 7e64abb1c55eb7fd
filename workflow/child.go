package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"goa.design/loom/interrupt"
	"goa.design/loom/job"
)

type (
	// ChildOptions configures a child workflow spawn.
	ChildOptions struct {
		// WorkflowID pins the child job identifier. Empty derives a
		// deterministic ID from entity, workflow name, and the spawning
		// call site.
		WorkflowID string
		// Entity prefixes the derived child job ID.
		Entity string
		// WorkflowName names the child workflow function. Required.
		WorkflowName string
		// TaskQueue routes the child. Empty inherits the parent queue.
		TaskQueue string
		// Args is the child argument list.
		Args []any
		// Retry is the child workflow retry policy.
		Retry interrupt.RetryPolicy
		// Expire bounds the child record TTL after completion.
		Expire time.Duration
		// SignalIn marks the child as accepting inbound signals.
		SignalIn bool
	}

	// HookOptions configures a dimensional-thread reentry.
	HookOptions struct {
		// WorkflowID targets the job to reenter. Empty targets the calling
		// job itself.
		WorkflowID string
		// Entity or TaskQueue must be set when hooking the calling
		// workflow's own topic, as a guard against unbounded recursion.
		Entity string
		// WorkflowName names the hook function to run on the target.
		WorkflowName string
		// TaskQueue routes the hook. Empty inherits the parent queue.
		TaskQueue string
		// Args is the hook argument list.
		Args []any
	}
)

// ExecChild spawns a child workflow and durably awaits its result. The
// child job ID is deterministic across replays. A cached child error is
// rethrown as its typed kind.
func ExecChild[T any](ctx *Context, opts ChildOptions) (T, error) {
	var zero T
	if opts.WorkflowName == "" {
		return zero, errors.New("child workflow name is required")
	}
	index := ctx.next()
	field := job.SlotName(job.OpChild, ctx.Dimension(), index)
	slot, ok, err := ctx.lookupSlot(field)
	if err != nil {
		return zero, err
	}
	if ok {
		if slot.Error != nil {
			return zero, slot.Error.ToError()
		}
		return decodeAs[T](slot.Data)
	}
	req, err := childRequest(ctx, opts, index, true)
	if err != nil {
		return zero, err
	}
	return zero, ctx.push(&interrupt.Interruption{
		Kind:  interrupt.KindChild,
		Index: index,
		Child: req,
	})
}

// StartChild spawns a child workflow without awaiting it and returns the
// child job ID. Sugar for an ExecChild that resolves as soon as the child
// is enqueued.
func StartChild(ctx *Context, opts ChildOptions) (string, error) {
	if opts.WorkflowName == "" {
		return "", errors.New("child workflow name is required")
	}
	index := ctx.next()
	field := job.SlotName(job.OpStart, ctx.Dimension(), index)
	slot, ok, err := ctx.lookupSlot(field)
	if err != nil {
		return "", err
	}
	if ok {
		if slot.Error != nil {
			return "", slot.Error.ToError()
		}
		return decodeAs[string](slot.Data)
	}
	req, err := childRequest(ctx, opts, index, false)
	if err != nil {
		return "", err
	}
	return "", ctx.push(&interrupt.Interruption{
		Kind:  interrupt.KindChild,
		Index: index,
		Child: req,
	})
}

func childRequest(ctx *Context, opts ChildOptions, index int, await bool) (*interrupt.ChildRequest, error) {
	id := opts.WorkflowID
	if id == "" {
		id = job.ChildJobID(opts.Entity, opts.WorkflowName, ctx.WorkflowID(), ctx.Dimension(), index)
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = ctx.TaskQueue()
	}
	args, err := encodeArgs(opts.Args)
	if err != nil {
		return nil, err
	}
	return &interrupt.ChildRequest{
		WorkflowID:   id,
		WorkflowName: opts.WorkflowName,
		TaskQueue:    queue,
		Arguments:    args,
		Await:        await,
		SignalIn:     opts.SignalIn,
		Retry:        opts.Retry,
		Expire:       opts.Expire,
	}, nil
}

// Hook spawns a new dimensional thread on a live job (the caller's own job
// by default) and returns without waiting. The scheduler assigns the new
// thread its dimensional coordinate. Hooking the caller's own workflow
// topic requires an explicit Entity or TaskQueue override so a hook cannot
// recursively re-enter itself forever.
func Hook(ctx *Context, opts HookOptions) error {
	if opts.WorkflowName == "" {
		return errors.New("hook workflow name is required")
	}
	if opts.WorkflowID == "" && opts.Entity == "" && opts.TaskQueue == "" &&
		opts.WorkflowName == ctx.WorkflowName() {
		return fmt.Errorf("recursive hook into %q requires an entity or task queue override", opts.WorkflowName)
	}
	index := ctx.next()
	field, done, err := ctx.sideEffect(job.OpHook, index)
	if err != nil || done {
		return err
	}
	target := opts.WorkflowID
	if target == "" {
		target = ctx.WorkflowID()
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = ctx.TaskQueue()
	}
	args, err := encodeArgs(opts.Args)
	if err != nil {
		return err
	}
	req := interrupt.ChildRequest{
		WorkflowID:   target,
		WorkflowName: opts.WorkflowName,
		TaskQueue:    queue,
		Arguments:    args,
		Hook:         true,
	}
	// A hook into the calling job nests under the caller's coordinate; a
	// hook into another job opens a top-level thread there.
	if target == ctx.WorkflowID() {
		req.Dimension = ctx.Dimension()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := ctx.bus.Publish(ctx.Context, job.FlowTopic(ctx.Namespace()), payload); err != nil {
		return fmt.Errorf("publish hook for %q: %w", target, err)
	}
	ctx.mark(field)
	return nil
}

// ExecHook spawns a hook thread and awaits its reply. A deterministic
// signal ID is synthesized from the call site and appended to the hook
// arguments; the hook function signals it when done, and ExecHook resolves
// with the signal payload.
func ExecHook[T any](ctx *Context, opts HookOptions) (T, error) {
	var zero T
	signalID := job.DeterministicGUID(ctx.WorkflowID(), ctx.Dimension(), "exechook", strconv.Itoa(ctx.peek()))
	opts.Args = append(opts.Args, signalID)
	if err := Hook(ctx, opts); err != nil {
		return zero, err
	}
	return WaitFor[T](ctx, signalID)
}
