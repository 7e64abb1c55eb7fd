package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/loom/job"
)

// InterruptOptions configures a workflow-initiated interrupt.
type InterruptOptions struct {
	// Reason is recorded in the target's $error payload.
	Reason string
	// Throw controls whether the target's handle Result rejects. Defaults
	// to true.
	Throw *bool
	// Descend cascades the interrupt to the target's spawned children.
	Descend bool
	// Expire overrides the record TTL applied after interruption.
	Expire time.Duration
}

// Interrupt force-terminates another job from inside a workflow. An empty
// workflowID targets the calling job itself, which ends the caller on its
// next transition. The publication is a one-shot side effect across replays.
func Interrupt(ctx *Context, workflowID string, opts ...InterruptOptions) error {
	index := ctx.next()
	field, done, err := ctx.sideEffect(job.OpInterrupt, index)
	if err != nil || done {
		return err
	}
	var o InterruptOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	target := workflowID
	if target == "" {
		target = ctx.WorkflowID()
	}
	msg := job.InterruptMessage{
		WorkflowID: target,
		Reason:     o.Reason,
		Throw:      o.Throw,
		Descend:    o.Descend,
		Expire:     o.Expire,
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	if err := ctx.bus.Publish(ctx.Context, job.InterruptTopic(ctx.Namespace()), data); err != nil {
		return fmt.Errorf("publish interrupt for %q: %w", target, err)
	}
	ctx.mark(field)
	return nil
}
