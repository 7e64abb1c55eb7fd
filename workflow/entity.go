package workflow

import (
	"encoding/json"
	"fmt"

	"goa.design/loom/job"
	"goa.design/loom/store"
)

// EntityHandle is a session-scoped handle over the job's JSONB context
// document. Each mutating call consumes one replay marker derived from the
// session call site and an internal sequence, so mutation and idempotency
// record commit together and replays skip already-applied mutations.
type EntityHandle struct {
	ctx   *Context
	index int
	seq   int
}

// Entity opens an entity session. The session consumes one execution index;
// its mutations are numbered within it.
func Entity(ctx *Context) *EntityHandle {
	return &EntityHandle{ctx: ctx, index: ctx.next()}
}

// mutate applies ops once per replay. Replayed sessions return the cached
// op results from the marker instead of touching the document again.
func (e *EntityHandle) mutate(ops []store.ContextOp) ([]json.RawMessage, error) {
	e.seq++
	marker := job.MarkerName(job.OpEntity, e.ctx.Dimension(), e.index, e.seq)
	if raw, ok, err := e.ctx.lookup(marker); err != nil {
		return nil, err
	} else if ok {
		var results []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return nil, fmt.Errorf("malformed entity marker %q: %w", marker, err)
		}
		return results, nil
	}
	results, err := e.ctx.store.UpdateContext(e.ctx.Context, e.ctx.WorkflowID(), ops, marker)
	if err != nil {
		return nil, err
	}
	e.ctx.mark(marker)
	return results, nil
}

// Set writes value at path, replacing any existing value. The empty path
// replaces the whole document, which must then be an object.
func (e *EntityHandle) Set(path string, value any) error {
	op, err := opWithValue(store.VerbSet, path, value)
	if err != nil {
		return err
	}
	_, err = e.mutate([]store.ContextOp{op})
	return err
}

// SetIfNotExists writes value at path only when the path is absent.
func (e *EntityHandle) SetIfNotExists(path string, value any) error {
	op, err := opWithValue(store.VerbSetIfNotExists, path, value)
	if err != nil {
		return err
	}
	_, err = e.mutate([]store.ContextOp{op})
	return err
}

// Merge shallow-merges an object into the value at path.
func (e *EntityHandle) Merge(path string, value any) error {
	op, err := opWithValue(store.VerbMerge, path, value)
	if err != nil {
		return err
	}
	_, err = e.mutate([]store.ContextOp{op})
	return err
}

// Get reads the value at path into out. Reads are not session mutations and
// consume no marker.
func (e *EntityHandle) Get(path string, out any) error {
	results, err := e.ctx.store.UpdateContext(e.ctx.Context, e.ctx.WorkflowID(),
		[]store.ContextOp{{Verb: store.VerbGet, Path: path}}, "")
	if err != nil {
		return err
	}
	if len(results) == 0 || results[0] == nil {
		return nil
	}
	return json.Unmarshal(results[0], out)
}

// Delete removes the value at path.
func (e *EntityHandle) Delete(path string) error {
	_, err := e.mutate([]store.ContextOp{{Verb: store.VerbDelete, Path: path}})
	return err
}

// Append appends value to the array at path, creating it when absent.
func (e *EntityHandle) Append(path string, value any) error {
	op, err := opWithValue(store.VerbAppend, path, value)
	if err != nil {
		return err
	}
	_, err = e.mutate([]store.ContextOp{op})
	return err
}

// Prepend prepends value to the array at path, creating it when absent.
func (e *EntityHandle) Prepend(path string, value any) error {
	op, err := opWithValue(store.VerbPrepend, path, value)
	if err != nil {
		return err
	}
	_, err = e.mutate([]store.ContextOp{op})
	return err
}

// Remove deletes the element at idx from the array at path.
func (e *EntityHandle) Remove(path string, idx int) error {
	raw, _ := json.Marshal(idx)
	_, err := e.mutate([]store.ContextOp{{Verb: store.VerbRemove, Path: path, Value: raw}})
	return err
}

// Increment adds delta to the number at path and returns the new value.
// Replays return the value recorded by the original application.
func (e *EntityHandle) Increment(path string, delta float64) (float64, error) {
	raw, _ := json.Marshal(delta)
	results, err := e.mutate([]store.ContextOp{{Verb: store.VerbIncrement, Path: path, Value: raw}})
	if err != nil {
		return 0, err
	}
	if len(results) == 0 || results[0] == nil {
		return 0, fmt.Errorf("increment at %q returned no value", path)
	}
	var out float64
	if err := json.Unmarshal(results[0], &out); err != nil {
		return 0, err
	}
	return out, nil
}

// Toggle flips the boolean at path, treating absence as false.
func (e *EntityHandle) Toggle(path string) error {
	_, err := e.mutate([]store.ContextOp{{Verb: store.VerbToggle, Path: path}})
	return err
}

func opWithValue(verb store.Verb, path string, value any) (store.ContextOp, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return store.ContextOp{}, fmt.Errorf("encode %s value at %q: %w", verb, path, err)
	}
	return store.ContextOp{Verb: verb, Path: path, Value: raw}, nil
}
