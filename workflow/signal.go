package workflow

import (
	"encoding/json"
	"fmt"

	"goa.design/loom/interrupt"
	"goa.design/loom/job"
)

// WaitFor suspends the workflow until a signal with the given ID arrives and
// returns its payload. Waits are always collated by the executor so several
// concurrent WaitFor calls reach the scheduler as one request.
func WaitFor[T any](ctx *Context, signalID string) (T, error) {
	var zero T
	index := ctx.next()
	field := job.SlotName(job.OpWait, ctx.Dimension(), index)
	slot, ok, err := ctx.lookupSlot(field)
	if err != nil {
		return zero, err
	}
	if ok {
		return decodeAs[T](slot.Data)
	}
	return zero, ctx.push(&interrupt.Interruption{
		Kind:  interrupt.KindWait,
		Index: index,
		Wait:  &interrupt.WaitRequest{SignalID: signalID},
	})
}

// Signal publishes a one-shot signal to whichever thread is (or will be)
// waiting on signalID. The send is idempotent across replays: the replay
// marker guarantees at most one publication per call site.
func Signal(ctx *Context, signalID string, data any) error {
	index := ctx.next()
	field, done, err := ctx.sideEffect(job.OpPublish, index)
	if err != nil || done {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode signal %q: %w", signalID, err)
	}
	msg, err := json.Marshal(job.SignalMessage{
		SignalID:  signalID,
		Data:      payload,
		Namespace: ctx.Namespace(),
	})
	if err != nil {
		return err
	}
	if err := ctx.bus.Publish(ctx.Context, job.SignalTopic(ctx.Namespace()), msg); err != nil {
		return fmt.Errorf("publish signal %q: %w", signalID, err)
	}
	ctx.mark(field)
	return nil
}
