package workflow

import (
	"goa.design/loom/interrupt"
)

// Task is one branch of an All composition. Branches close over the
// invocation context and call durable primitives as usual.
type Task func() (any, error)

// All runs the tasks in order and collects their results. Branches that
// raise durable interruptions are harvested rather than short-circuiting:
// every branch gets to register its request before All returns, so the
// executor can collate the whole group into a single scheduler envelope.
// Counter assignment follows task order, which keeps indices stable across
// replays.
//
// A branch failing with an application error aborts the group with that
// error. When every branch resolves from the replay log, All returns their
// results positionally.
func All(ctx *Context, tasks ...Task) ([]any, error) {
	results := make([]any, len(tasks))
	var first *interrupt.Interruption
	for i, task := range tasks {
		v, err := task()
		if err != nil {
			if in, ok := interrupt.As(err); ok {
				if first == nil {
					first = in
				}
				continue
			}
			return nil, err
		}
		results[i] = v
	}
	if first != nil {
		return nil, first
	}
	return results, nil
}
