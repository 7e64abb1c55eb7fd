// Package client is the application-facing surface of the engine: starting
// workflows, sending signals, opening dimensional hook threads, and reading
// or awaiting job state through handles.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/config"
	"goa.design/loom/interrupt"
	"goa.design/loom/job"
	"goa.design/loom/pubsub"
	"goa.design/loom/store"
	"goa.design/loom/telemetry"
)

// ErrDuplicateJob reports a Start against a workflow ID that already has a
// live or retained record.
var ErrDuplicateJob = errors.New("workflow id already in use")

type (
	// Options configures a Client.
	Options struct {
		// Store is the job-record substrate. Required.
		Store store.Store
		// Bus carries the engine topics. Required.
		Bus pubsub.Bus
		// Config supplies the namespace and engine defaults.
		Config config.Config
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Client starts workflows and opens handles.
	Client struct {
		store  store.Store
		bus    pubsub.Bus
		cfg    config.Config
		logger telemetry.Logger
	}

	// StartOptions configures a workflow start.
	StartOptions struct {
		// WorkflowID pins the job identifier. Empty generates one.
		WorkflowID string
		// WorkflowName names the registered workflow function. Required.
		WorkflowName string
		// TaskQueue routes the workflow to its worker. Required.
		TaskQueue string
		// Args is the workflow argument list.
		Args []any
		// Search seeds indexed search fields on the record before the first
		// dispatch.
		Search map[string]string
		// Retry is the workflow-level retry policy.
		Retry interrupt.RetryPolicy
		// Expire bounds the record TTL after terminal transition.
		Expire time.Duration
		// Persistent retains the record until explicit removal.
		Persistent bool
		// SignalIn marks the job as accepting inbound signals.
		SignalIn bool
	}

	// HookOptions configures a client-side hook into a live job.
	HookOptions struct {
		// WorkflowID targets the job to reenter. Required.
		WorkflowID string
		// WorkflowName names the hook function. Required.
		WorkflowName string
		// TaskQueue routes the hook to its worker. Required.
		TaskQueue string
		// Args is the hook argument list.
		Args []any
	}
)

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	cfg := opts.Config
	cfg.Normalize()
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{store: opts.Store, bus: opts.Bus, cfg: cfg, logger: logger}, nil
}

// Start creates the job record and dispatches the first workflow entry. The
// record write precedes the dispatch so the scheduler never observes a job
// without its metadata.
func (c *Client) Start(ctx context.Context, opts StartOptions) (*Handle, error) {
	if opts.WorkflowName == "" {
		return nil, errors.New("workflow name is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	id := opts.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	if strings.HasPrefix(id, "@") || strings.HasPrefix(id, "-") {
		return nil, fmt.Errorf("workflow id %q uses a reserved prefix", id)
	}
	if _, err := c.store.GetField(ctx, id, job.FieldStatus); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	} else if !errors.Is(err, store.ErrFieldNotFound) {
		return nil, err
	}

	args, err := json.Marshal(opts.Args)
	if err != nil {
		return nil, fmt.Errorf("encode workflow arguments: %w", err)
	}
	ts := nowStamp()
	fields := map[string]string{
		job.FieldStatus:  strconv.Itoa(job.StatusActive),
		job.FieldCreated: ts,
		job.FieldUpdated: ts,
	}
	for k, v := range opts.Search {
		fields[job.SearchField(k)] = v
	}
	if _, err := c.store.SetFields(ctx, id, fields); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	maxAttempts := opts.Retry.MaximumAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.Retry.MaximumAttempts
	}
	msg := job.Message{
		WorkflowID:      id,
		WorkflowTopic:   job.WorkflowTopic(c.cfg.Namespace, opts.TaskQueue, opts.WorkflowName),
		WorkflowName:    opts.WorkflowName,
		TaskQueue:       opts.TaskQueue,
		Namespace:       c.cfg.Namespace,
		Arguments:       args,
		OriginJobID:     id,
		Expire:          opts.Expire,
		Persistent:      opts.Persistent,
		SignalIn:        opts.SignalIn,
		Attempt:         1,
		MaximumAttempts: maxAttempts,
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return nil, err
	}
	if err := c.bus.Publish(ctx, job.ExecuteTopic(c.cfg.Namespace), data); err != nil {
		return nil, fmt.Errorf("dispatch workflow %q: %w", id, err)
	}
	c.logger.Debug(ctx, "workflow started", "workflowId", id, "workflow", opts.WorkflowName)
	return c.Handle(id), nil
}

// Signal publishes a one-shot signal to whichever thread is (or will be)
// waiting on signalID.
func (c *Client) Signal(ctx context.Context, signalID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode signal %q: %w", signalID, err)
	}
	msg, err := json.Marshal(job.SignalMessage{
		SignalID:  signalID,
		Data:      payload,
		Namespace: c.cfg.Namespace,
	})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, job.SignalTopic(c.cfg.Namespace), msg)
}

// Hook opens a new dimensional thread on a live job.
func (c *Client) Hook(ctx context.Context, opts HookOptions) error {
	if opts.WorkflowID == "" || opts.WorkflowName == "" || opts.TaskQueue == "" {
		return errors.New("workflow id, name, and task queue are required")
	}
	args, err := json.Marshal(opts.Args)
	if err != nil {
		return fmt.Errorf("encode hook arguments: %w", err)
	}
	req, err := json.Marshal(interrupt.ChildRequest{
		WorkflowID:   opts.WorkflowID,
		WorkflowName: opts.WorkflowName,
		TaskQueue:    opts.TaskQueue,
		Arguments:    args,
		Hook:         true,
	})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, job.FlowTopic(c.cfg.Namespace), req)
}

// Handle opens a handle on an existing job.
func (c *Client) Handle(workflowID string) *Handle {
	return &Handle{
		client:     c,
		workflowID: workflowID,
	}
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }
