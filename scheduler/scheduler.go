// Package scheduler implements the engine side of the wire protocol. It
// consumes the execute, signal, flow, interrupt, and activity topics, runs
// registered workflow functions through the executor, and interprets the
// resulting envelopes: arming durable timers, dispatching activities under
// the retry ladder, spawning and awaiting child jobs, minting dimensional
// threads for hooks, and parking signal waits.
//
// One scheduler instance per process is the normal deployment; several
// instances may share a substrate as long as the bus delivers each message
// to a single consumer group member.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/loom/config"
	"goa.design/loom/executor"
	"goa.design/loom/job"
	"goa.design/loom/pubsub"
	"goa.design/loom/store"
	"goa.design/loom/telemetry"
)

// signalsRecordID keys the store record holding signal subscriptions and
// queued early signals. The "@" prefix keeps it clear of user job IDs, which
// the client rejects when they start with a reserved byte.
const signalsRecordID = "@signals"

type (
	// Options configures a Scheduler.
	Options struct {
		// Store is the job-record substrate. Required.
		Store store.Store
		// Bus carries all engine topics. Required.
		Bus pubsub.Bus
		// Registry holds the functions this process serves. Required.
		Registry *Registry
		// Config supplies namespace, retry defaults, and TTLs.
		Config config.Config
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Scheduler consumes engine topics and drives jobs through their
	// transitions.
	Scheduler struct {
		store    store.Store
		bus      pubsub.Bus
		registry *Registry
		cfg      config.Config
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		exec     *executor.Executor
		timers   *timers
		pending  *inflight
		limiter  *rate.Limiter
	}
)

// New constructs a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	cfg := opts.Config
	cfg.Normalize()
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	exec, err := executor.New(executor.Options{
		Store:        opts.Store,
		Bus:          opts.Bus,
		Config:       cfg,
		Interceptors: opts.Registry.WorkflowInterceptors(),
		Logger:       logger,
		Tracer:       tracer,
	})
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if cfg.DispatchRPS > 0 {
		burst := int(cfg.DispatchRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRPS), burst)
	}
	return &Scheduler{
		store:    opts.Store,
		bus:      opts.Bus,
		registry: opts.Registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		exec:     exec,
		timers:   newTimers(),
		pending:  newInflight(),
		limiter:  limiter,
	}, nil
}

// Run subscribes to the engine topics and processes messages until ctx is
// canceled. It blocks for the lifetime of the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	ns := s.cfg.Namespace
	consumers := []struct {
		topic   string
		handler func(context.Context, []byte)
	}{
		{job.ExecuteTopic(ns), s.handleExecute},
		{job.SignalTopic(ns), s.handleSignal},
		{job.FlowTopic(ns), s.handleFlow},
		{job.InterruptTopic(ns), s.handleInterrupt},
	}
	for _, queue := range s.registry.ActivityQueues() {
		consumers = append(consumers, struct {
			topic   string
			handler func(context.Context, []byte)
		}{job.ActivityTopic(ns, queue), s.handleActivity})
	}

	var wg sync.WaitGroup
	stops := make([]func(), 0, len(consumers))
	for _, c := range consumers {
		ch, stop, err := s.bus.Subscribe(ctx, c.topic)
		if err != nil {
			for _, st := range stops {
				st()
			}
			return fmt.Errorf("subscribe %q: %w", c.topic, err)
		}
		stops = append(stops, stop)
		wg.Add(1)
		go func(topic string, ch <-chan pubsub.Message, handler func(context.Context, []byte)) {
			defer wg.Done()
			for msg := range ch {
				handler(ctx, msg.Data)
			}
		}(c.topic, ch, c.handler)
	}
	s.logger.Info(ctx, "scheduler running", "namespace", ns, "consumers", len(consumers))

	<-ctx.Done()
	for _, stop := range stops {
		stop()
	}
	s.timers.stop()
	wg.Wait()
	return ctx.Err()
}

// dispatch publishes a workflow re-entry message on the execute topic,
// honoring the configured dispatch rate limit.
func (s *Scheduler) dispatch(ctx context.Context, msg *job.Message) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error(ctx, "encode dispatch message", "workflowId", msg.WorkflowID, "err", err)
		return
	}
	if err := s.bus.Publish(ctx, job.ExecuteTopic(msg.Namespace), data); err != nil {
		s.logger.Error(ctx, "publish dispatch message", "workflowId", msg.WorkflowID, "err", err)
		return
	}
	s.metrics.IncCounter("scheduler.dispatch", 1, "namespace", msg.Namespace)
}

// resume reloads the cached re-entry message for a suspended thread and
// re-dispatches it. Used whenever an awaited operation resolves.
func (s *Scheduler) resume(ctx context.Context, jobID, dimension string) {
	raw, err := s.store.GetField(ctx, jobID, job.MessageField(dimension))
	if errors.Is(err, store.ErrFieldNotFound) {
		s.logger.Warn(ctx, "no cached message for suspended thread", "jobId", jobID, "dimension", dimension)
		return
	}
	if err != nil {
		s.logger.Error(ctx, "load cached message", "jobId", jobID, "err", err)
		return
	}
	var msg job.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		s.logger.Error(ctx, "decode cached message", "jobId", jobID, "err", err)
		return
	}
	s.dispatch(ctx, &msg)
}

// status reads the job status semaphore; missing records report active so a
// record created after its first dispatch is not dropped.
func (s *Scheduler) status(ctx context.Context, jobID string) int {
	raw, err := s.store.GetField(ctx, jobID, job.FieldStatus)
	if err != nil {
		return job.StatusActive
	}
	return job.ParseStatus(raw)
}

// notify publishes the terminal notification on the job topic.
func (s *Scheduler) notify(ctx context.Context, namespace string, n *job.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, job.JobTopic(namespace, n.WorkflowID), data); err != nil {
		s.logger.Error(ctx, "publish job notification", "jobId", n.WorkflowID, "err", err)
	}
}

// expire applies the post-terminal record TTL unless the job is persistent.
func (s *Scheduler) expire(ctx context.Context, msg *job.Message) {
	if msg.Persistent {
		return
	}
	ttl := msg.Expire
	if ttl <= 0 {
		ttl = s.cfg.JobTTL
	}
	if err := s.store.ExpireJob(ctx, msg.WorkflowID, ttl); err != nil {
		s.logger.Error(ctx, "expire job record", "jobId", msg.WorkflowID, "err", err)
	}
}

// appendChild records a spawned child on the parent for interrupt cascades.
func (s *Scheduler) appendChild(ctx context.Context, parentID, childID string) {
	raw, err := s.store.GetField(ctx, parentID, job.FieldChildren)
	if err != nil && !errors.Is(err, store.ErrFieldNotFound) {
		s.logger.Error(ctx, "load children list", "jobId", parentID, "err", err)
		return
	}
	var children []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &children)
	}
	for _, c := range children {
		if c == childID {
			return
		}
	}
	children = append(children, childID)
	b, _ := json.Marshal(children)
	if _, err := s.store.SetFields(ctx, parentID, map[string]string{job.FieldChildren: string(b)}); err != nil {
		s.logger.Error(ctx, "record child", "jobId", parentID, "err", err)
	}
}

// parentLink loads the awaited-child back link, if any.
func (s *Scheduler) parentLink(ctx context.Context, jobID string) *job.ParentLink {
	raw, err := s.store.GetField(ctx, jobID, job.FieldParent)
	if err != nil {
		return nil
	}
	var link job.ParentLink
	if err := json.Unmarshal([]byte(raw), &link); err != nil {
		return nil
	}
	if link.JobID == "" || link.Slot == "" {
		return nil
	}
	return &link
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
