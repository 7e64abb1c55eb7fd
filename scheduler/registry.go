package scheduler

import (
	"context"
	"encoding/json"
	"sync"

	"goa.design/loom/executor"
)

type (
	// ActivityFunc is a registered activity implementation. Arguments arrive
	// as the JSON-encoded argument list the workflow passed to the proxy;
	// the returned value is cached in the raising job's replay slot.
	ActivityFunc func(ctx context.Context, args json.RawMessage) (any, error)

	// Registry holds the workflow and activity functions a process serves,
	// plus the interceptor rings applied around them. It is safe for
	// concurrent use; registration normally happens before Run.
	Registry struct {
		mu            sync.RWMutex
		workflows     map[string]executor.Func
		activities    map[string]ActivityFunc
		activityQueue map[string]string
		wfIcpt        []executor.WorkflowInterceptor
		actIcpt       []executor.ActivityInterceptor
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:     make(map[string]executor.Func),
		activities:    make(map[string]ActivityFunc),
		activityQueue: make(map[string]string),
	}
}

// RegisterWorkflow binds a workflow function to its routing topic.
func (r *Registry) RegisterWorkflow(topic string, fn executor.Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[topic] = fn
}

// RegisterActivity binds an activity function to its name and records the
// task queue it executes on.
func (r *Registry) RegisterActivity(name, taskQueue string, fn ActivityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[name] = fn
	r.activityQueue[name] = taskQueue
}

// Workflow resolves a workflow function by topic.
func (r *Registry) Workflow(topic string) (executor.Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[topic]
	return fn, ok
}

// Activity resolves an activity function by name.
func (r *Registry) Activity(name string) (ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}

// ActivityQueues returns the distinct task queues of registered activities.
func (r *Registry) ActivityQueues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.activityQueue))
	queues := make([]string, 0, len(r.activityQueue))
	for _, q := range r.activityQueue {
		if !seen[q] {
			seen[q] = true
			queues = append(queues, q)
		}
	}
	return queues
}

// RegisterInterceptor appends to the workflow interceptor ring; the first
// registered interceptor is outermost.
func (r *Registry) RegisterInterceptor(i executor.WorkflowInterceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wfIcpt = append(r.wfIcpt, i)
}

// RegisterActivityInterceptor appends to the activity interceptor ring.
func (r *Registry) RegisterActivityInterceptor(i executor.ActivityInterceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actIcpt = append(r.actIcpt, i)
}

// ClearInterceptors empties both interceptor rings.
func (r *Registry) ClearInterceptors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wfIcpt = nil
	r.actIcpt = nil
}

// WorkflowInterceptors snapshots the workflow ring.
func (r *Registry) WorkflowInterceptors() []executor.WorkflowInterceptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]executor.WorkflowInterceptor, len(r.wfIcpt))
	copy(out, r.wfIcpt)
	return out
}

// ActivityInterceptors snapshots the activity ring.
func (r *Registry) ActivityInterceptors() []executor.ActivityInterceptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]executor.ActivityInterceptor, len(r.actIcpt))
	copy(out, r.actIcpt)
	return out
}
