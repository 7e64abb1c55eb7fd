package workflow

import (
	"time"

	"goa.design/loom/interrupt"
	"goa.design/loom/job"
)

// SleepFor suspends the workflow durably for the given duration. On replay
// it returns the slept duration from the cache without waiting again.
func SleepFor(ctx *Context, d time.Duration) (time.Duration, error) {
	index := ctx.next()
	field := job.SlotName(job.OpSleep, ctx.Dimension(), index)
	slot, ok, err := ctx.lookupSlot(field)
	if err != nil {
		return 0, err
	}
	if ok {
		// Slot caches the duration in seconds.
		secs, err := decodeAs[float64](slot.Data)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, ctx.push(&interrupt.Interruption{
		Kind:  interrupt.KindSleep,
		Index: index,
		Sleep: &interrupt.SleepRequest{Duration: d},
	})
}
