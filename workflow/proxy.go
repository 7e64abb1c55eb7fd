package workflow

import (
	"encoding/json"
	"time"

	"goa.design/loom/interrupt"
	"goa.design/loom/job"
)

// ActivityOptions configures a proxied activity call.
type ActivityOptions struct {
	// TaskQueue routes the activity job explicitly. Empty derives the
	// queue from the workflow task queue ("<queue>-activity").
	TaskQueue string
	// Retry overrides the engine default retry policy.
	Retry interrupt.RetryPolicy
	// Expire bounds the activity job TTL.
	Expire time.Duration
}

// ActivityProxy is a callable handle for a named activity, produced by
// Proxy. The same handle may be called any number of times; each call is an
// independent durable operation with its own execution index.
type ActivityProxy[O any] struct {
	name string
	opts ActivityOptions
}

// Proxy builds a proxy for the named activity. The activity executes on its
// task queue under the scheduler's retry ladder; the workflow observes
// either the cached result or, once the ladder resolves, the cached error.
func Proxy[O any](name string, opts ...ActivityOptions) ActivityProxy[O] {
	p := ActivityProxy[O]{name: name}
	if len(opts) > 0 {
		p.opts = opts[0]
	}
	return p
}

// Call invokes the activity durably. On a replay hit it returns the cached
// result, or raises the cached typed error; when the retry policy sets
// ThrowOnError to false a cached error decodes into the return value
// instead. On a miss it registers a proxy interruption.
func (p ActivityProxy[O]) Call(ctx *Context, args ...any) (O, error) {
	var zero O
	index := ctx.next()
	field := job.SlotName(job.OpProxy, ctx.Dimension(), index)
	slot, ok, err := ctx.lookupSlot(field)
	if err != nil {
		return zero, err
	}
	if ok {
		if slot.Error != nil {
			if p.opts.Retry.ThrowOnError != nil && !*p.opts.Retry.ThrowOnError {
				raw, _ := json.Marshal(slot.Error)
				return decodeAs[O](raw)
			}
			return zero, slot.Error.ToError()
		}
		return decodeAs[O](slot.Data)
	}
	encoded, err := encodeArgs(args)
	if err != nil {
		return zero, err
	}
	return zero, ctx.push(&interrupt.Interruption{
		Kind:  interrupt.KindProxy,
		Index: index,
		Proxy: &interrupt.ProxyRequest{
			ActivityName: p.name,
			TaskQueue:    p.opts.TaskQueue,
			Arguments:    encoded,
			Retry:        p.opts.Retry,
			Expire:       p.opts.Expire,
		},
	})
}
