package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/loom/job"
	"goa.design/loom/store"
)

// Handle addresses one job: its status, state, result, and control surface.
// Handles are cheap; open as many as needed.
type Handle struct {
	client     *Client
	workflowID string
}

// WorkflowID returns the job identifier the handle addresses.
func (h *Handle) WorkflowID() string { return h.workflowID }

// Status reads the job status semaphore.
func (h *Handle) Status(ctx context.Context) (int, error) {
	raw, err := h.client.store.GetField(ctx, h.workflowID, job.FieldStatus)
	if errors.Is(err, store.ErrFieldNotFound) {
		return 0, fmt.Errorf("job %q not found", h.workflowID)
	}
	if err != nil {
		return 0, err
	}
	return job.ParseStatus(raw), nil
}

// State decodes the job's context document, the JSONB state mutated by
// entity sessions.
func (h *Handle) State(ctx context.Context) (map[string]any, error) {
	raw, err := h.client.store.GetField(ctx, h.workflowID, job.FieldContext)
	if errors.Is(err, store.ErrFieldNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode job context: %w", err)
	}
	return out, nil
}

// QueryState reads the named search fields.
func (h *Handle) QueryState(ctx context.Context, keys []string) (map[string]string, error) {
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = job.SearchField(k)
	}
	stored, err := h.client.store.GetFields(ctx, h.workflowID, fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(stored))
	for i, k := range keys {
		if v, ok := stored[fields[i]]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Export dumps the raw job record: replay slots, markers, metadata, and
// search fields. Intended for inspection and audit tooling.
func (h *Handle) Export(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	cursor := ""
	for {
		next, page, err := h.client.store.FindJobFields(ctx, h.workflowID, "*", cursor,
			h.client.cfg.MaxReplayFields, h.client.cfg.MaxReplayBytes)
		if err != nil {
			return nil, err
		}
		for k, v := range page {
			out[k] = v
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// Result blocks until the job reaches a terminal status and decodes the
// workflow response into out (which may be nil to discard it). A failed or
// thrown-interrupt terminal rejects with the typed job error; there is no
// option to return errors as values because Go callers branch on the error
// return instead. Callers wanting the entity state document alongside the
// response read it separately via State.
//
// The notification subscription is opened before the status re-check so a
// completion between the two cannot be missed.
func (h *Handle) Result(ctx context.Context, out any) error {
	ch, stop, err := h.client.bus.Subscribe(ctx, job.JobTopic(h.client.cfg.Namespace, h.workflowID))
	if err != nil {
		return err
	}
	defer stop()

	status, err := h.Status(ctx)
	if err != nil {
		return err
	}
	if job.Terminal(status) {
		return h.resolve(ctx, out)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("job notification stream closed")
			}
			var n job.Notification
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				continue
			}
			if n.Error != nil {
				return n.Error.ToError()
			}
			if out == nil || len(n.Response) == 0 {
				return nil
			}
			return json.Unmarshal(n.Response, out)
		}
	}
}

// resolve reads the terminal payload from the record.
func (h *Handle) resolve(ctx context.Context, out any) error {
	fields, err := h.client.store.GetFields(ctx, h.workflowID, []string{job.FieldError, job.FieldResponse})
	if err != nil {
		return err
	}
	if rec := job.DecodeErrorRecord(fields[job.FieldError]); rec != nil {
		return rec.ToError()
	}
	raw := fields[job.FieldResponse]
	if out == nil || raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// Signal sends a one-shot signal through the handle's client.
func (h *Handle) Signal(ctx context.Context, signalID string, data any) error {
	return h.client.Signal(ctx, signalID, data)
}

// InterruptOptions configures a handle interrupt.
type InterruptOptions struct {
	// Reason is recorded in the job's $error payload.
	Reason string
	// Throw controls whether Result rejects; defaults to true.
	Throw *bool
	// Descend cascades the interrupt to child jobs.
	Descend bool
	// Expire overrides the record TTL applied after interruption.
	Expire time.Duration
}

// Interrupt force-terminates the job.
func (h *Handle) Interrupt(ctx context.Context, opts InterruptOptions) error {
	msg, err := json.Marshal(job.InterruptMessage{
		WorkflowID: h.workflowID,
		Reason:     opts.Reason,
		Throw:      opts.Throw,
		Descend:    opts.Descend,
		Expire:     opts.Expire,
	})
	if err != nil {
		return err
	}
	return h.client.bus.Publish(ctx, job.InterruptTopic(h.client.cfg.Namespace), msg)
}
