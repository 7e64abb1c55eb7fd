package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"goa.design/loom/config"
	"goa.design/loom/executor"
	"goa.design/loom/interrupt"
	"goa.design/loom/job"
	"goa.design/loom/store"
)

// handleExecute runs one workflow re-entry and interprets its envelope.
func (s *Scheduler) handleExecute(ctx context.Context, data []byte) {
	var msg job.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Error(ctx, "decode execute message", "err", err)
		return
	}
	// Terminal transitions are monotonic: late deliveries for a finished
	// job are dropped, never re-run.
	if job.Terminal(s.status(ctx, msg.WorkflowID)) {
		s.logger.Debug(ctx, "drop execute for terminal job", "jobId", msg.WorkflowID)
		return
	}
	// Same for finished hook threads: the completion record on the
	// dimension drops re-deliveries.
	if msg.WorkflowDimension != "" {
		if _, err := s.store.GetField(ctx, msg.WorkflowID, job.HookField(msg.WorkflowDimension)); err == nil {
			s.logger.Debug(ctx, "drop execute for finished hook thread", "jobId", msg.WorkflowID, "dimension", msg.WorkflowDimension)
			return
		}
	}
	fn, ok := s.registry.Workflow(msg.WorkflowTopic)
	if !ok {
		s.logger.Debug(ctx, "no workflow registered", "topic", msg.WorkflowTopic)
		return
	}
	s.ensureRecord(ctx, &msg)

	start := time.Now()
	outcome, err := s.exec.Invoke(ctx, &msg, fn)
	s.metrics.RecordTimer("scheduler.invoke", time.Since(start), "workflow", msg.WorkflowName)
	if err != nil {
		s.retryWorkflow(ctx, &msg, job.NewErrorRecord(err))
		return
	}
	s.apply(ctx, &msg, outcome)
}

// ensureRecord bootstraps the job record on first dispatch. Hook re-entries
// and retries find the record already present and leave it untouched.
func (s *Scheduler) ensureRecord(ctx context.Context, msg *job.Message) {
	_, err := s.store.GetField(ctx, msg.WorkflowID, job.FieldStatus)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrFieldNotFound) {
		s.logger.Error(ctx, "check job record", "jobId", msg.WorkflowID, "err", err)
		return
	}
	ts := now()
	_, err = s.store.SetFields(ctx, msg.WorkflowID, map[string]string{
		job.FieldStatus:  strconv.Itoa(job.StatusActive),
		job.FieldCreated: ts,
		job.FieldUpdated: ts,
	})
	if err != nil {
		s.logger.Error(ctx, "create job record", "jobId", msg.WorkflowID, "err", err)
	}
}

// apply persists an executor envelope: terminal transitions write status and
// payload, suspensions cache the re-entry message and arm the requested
// operations. Side-effect markers ride on the same write in every case.
func (s *Scheduler) apply(ctx context.Context, msg *job.Message, outcome *executor.Outcome) {
	ts := now()
	fields := map[string]string{job.FieldUpdated: ts}
	for _, m := range outcome.Markers {
		fields[m] = ts
	}

	switch {
	case outcome.Code == interrupt.CodeSuccess:
		// Only the main thread closes the job. A hook thread returning
		// leaves the record live for its siblings and the main thread; its
		// outcome is recorded on the dimensional coordinate instead.
		if msg.WorkflowDimension != "" {
			b, _ := json.Marshal(job.Slot{Data: outcome.Response})
			fields[job.HookField(msg.WorkflowDimension)] = string(b)
			if _, err := s.store.SetFields(ctx, msg.WorkflowID, fields); err != nil {
				s.logger.Error(ctx, "persist hook completion", "jobId", msg.WorkflowID, "err", err)
			}
			s.store.DeleteFields(ctx, msg.WorkflowID, job.MessageField(msg.WorkflowDimension))
			return
		}
		fields[job.FieldStatus] = strconv.Itoa(job.StatusCompleted)
		fields[job.FieldResponse] = string(outcome.Response)
		if _, err := s.store.SetFields(ctx, msg.WorkflowID, fields); err != nil {
			s.logger.Error(ctx, "persist completion", "jobId", msg.WorkflowID, "err", err)
			return
		}
		s.finalize(ctx, msg, job.StatusCompleted, outcome.Response, nil)

	case interrupt.Terminal(outcome.Code) && msg.WorkflowDimension != "":
		// A hook thread failing terminally is recorded but does not fail
		// the job its siblings are still serving.
		b, _ := json.Marshal(job.Slot{Error: outcome.Error})
		fields[job.HookField(msg.WorkflowDimension)] = string(b)
		if _, err := s.store.SetFields(ctx, msg.WorkflowID, fields); err != nil {
			s.logger.Error(ctx, "persist hook markers", "jobId", msg.WorkflowID, "err", err)
		}
		s.store.DeleteFields(ctx, msg.WorkflowID, job.MessageField(msg.WorkflowDimension))
		s.logger.Error(ctx, "hook thread failed",
			"jobId", msg.WorkflowID,
			"dimension", msg.WorkflowDimension,
			"code", outcome.Code,
			"err", outcome.Error.Message,
		)

	case interrupt.Terminal(outcome.Code):
		fields[job.FieldStatus] = strconv.Itoa(job.StatusFailed)
		fields[job.FieldError] = outcome.Error.Encode()
		if _, err := s.store.SetFields(ctx, msg.WorkflowID, fields); err != nil {
			s.logger.Error(ctx, "persist failure", "jobId", msg.WorkflowID, "err", err)
			return
		}
		s.finalize(ctx, msg, job.StatusFailed, nil, outcome.Error)

	case outcome.Code == interrupt.CodeRetry:
		if _, err := s.store.SetFields(ctx, msg.WorkflowID, fields); err != nil {
			s.logger.Error(ctx, "persist markers", "jobId", msg.WorkflowID, "err", err)
		}
		s.retryWorkflow(ctx, msg, outcome.Error)

	default:
		// Suspension: cache the re-entry message so any resolution path can
		// re-dispatch this thread without reconstructing it.
		cached, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error(ctx, "encode re-entry message", "jobId", msg.WorkflowID, "err", err)
			return
		}
		fields[job.MessageField(msg.WorkflowDimension)] = string(cached)
		if _, err := s.store.SetFields(ctx, msg.WorkflowID, fields); err != nil {
			s.logger.Error(ctx, "persist suspension", "jobId", msg.WorkflowID, "err", err)
			return
		}
		s.suspend(ctx, msg, outcome.Interruption)
	}
}

// finalize runs the post-terminal duties shared by completion and failure:
// notify handle waiters, apply the record TTL, and resolve the parent's
// awaiting slot when this job is an awaited child.
func (s *Scheduler) finalize(ctx context.Context, msg *job.Message, status int, response json.RawMessage, rec *job.ErrorRecord) {
	s.notify(ctx, msg.Namespace, &job.Notification{
		WorkflowID: msg.WorkflowID,
		Status:     status,
		Response:   response,
		Error:      rec,
	})
	s.expire(ctx, msg)
	s.metrics.IncCounter("scheduler.terminal", 1, "status", strconv.Itoa(status))

	link := s.parentLink(ctx, msg.WorkflowID)
	if link == nil {
		return
	}
	var slot string
	if rec != nil {
		b, _ := json.Marshal(job.Slot{Error: rec})
		slot = string(b)
	} else {
		b, _ := json.Marshal(job.Slot{Data: response})
		slot = string(b)
	}
	if _, err := s.store.SetFields(ctx, link.JobID, map[string]string{link.Slot: slot}); err != nil {
		s.logger.Error(ctx, "resolve parent slot", "jobId", link.JobID, "slot", link.Slot, "err", err)
		return
	}
	s.resume(ctx, link.JobID, link.Dimension)
}

// suspend arms every operation the envelope requests. Collated envelopes are
// unpacked in registry order; each resolution independently re-dispatches
// the thread, which replays past the filled slots and re-suspends on the
// rest until the whole group is resolved.
func (s *Scheduler) suspend(ctx context.Context, msg *job.Message, in *interrupt.Interruption) {
	if in == nil {
		s.logger.Error(ctx, "suspension without interruption", "jobId", msg.WorkflowID)
		return
	}
	if in.Kind == interrupt.KindCollated {
		for _, item := range in.Items {
			s.armOne(ctx, msg, item)
		}
		return
	}
	s.armOne(ctx, msg, in)
}

func (s *Scheduler) armOne(ctx context.Context, msg *job.Message, in *interrupt.Interruption) {
	switch in.Kind {
	case interrupt.KindSleep:
		s.armSleep(ctx, msg, in)
	case interrupt.KindProxy:
		s.armProxy(ctx, msg, in)
	case interrupt.KindChild:
		s.armChild(ctx, msg, in)
	case interrupt.KindWait:
		s.armWait(ctx, msg, in)
	default:
		s.logger.Error(ctx, "unknown interruption kind", "jobId", msg.WorkflowID, "kind", string(in.Kind))
	}
}

// armSleep starts the durable timer; on expiry the slot caches the slept
// seconds and the thread is re-dispatched.
func (s *Scheduler) armSleep(ctx context.Context, msg *job.Message, in *interrupt.Interruption) {
	field := job.SlotName(job.OpSleep, in.Dimension, in.Index)
	d := in.Sleep.Duration
	jobID, dim := msg.WorkflowID, in.Dimension
	s.timers.schedule(jobID+field, d, func() {
		slot, err := job.EncodeSlotData(d.Seconds())
		if err != nil {
			return
		}
		if _, err := s.store.SetFields(ctx, jobID, map[string]string{field: slot}); err != nil {
			s.logger.Error(ctx, "persist timer slot", "jobId", jobID, "err", err)
			return
		}
		s.resume(ctx, jobID, dim)
	})
}

// armProxy publishes the activity task on its queue topic with the resolved
// retry policy.
func (s *Scheduler) armProxy(ctx context.Context, msg *job.Message, in *interrupt.Interruption) {
	field := job.SlotName(job.OpProxy, in.Dimension, in.Index)
	if !s.pending.begin(msg.WorkflowID + field) {
		return
	}
	queue := in.Proxy.TaskQueue
	if queue == "" {
		queue = msg.TaskQueue
	}
	am := job.ActivityMessage{
		JobID:        msg.WorkflowID,
		Dimension:    in.Dimension,
		Index:        in.Index,
		ActivityName: in.Proxy.ActivityName,
		TaskQueue:    queue,
		Arguments:    in.Proxy.Arguments,
		Namespace:    msg.Namespace,
		Attempt:      1,
		Retry:        s.resolvePolicy(in.Proxy.Retry),
	}
	s.publishActivity(ctx, &am)
}

// armChild spawns the child job. Awaited children link back to the parent
// slot; fire-and-forget children resolve the slot with the child ID at once.
func (s *Scheduler) armChild(ctx context.Context, msg *job.Message, in *interrupt.Interruption) {
	req := in.Child
	op := job.OpChild
	if !req.Await {
		op = job.OpStart
	}
	slotField := job.SlotName(op, in.Dimension, in.Index)

	origin := msg.OriginJobID
	if origin == "" {
		origin = msg.WorkflowID
	}
	policy := s.resolvePolicy(req.Retry)
	child := job.Message{
		WorkflowID:       req.WorkflowID,
		WorkflowTopic:    job.WorkflowTopic(msg.Namespace, req.TaskQueue, req.WorkflowName),
		WorkflowName:     req.WorkflowName,
		TaskQueue:        req.TaskQueue,
		Namespace:        msg.Namespace,
		Arguments:        req.Arguments,
		OriginJobID:      origin,
		ParentWorkflowID: msg.WorkflowID,
		Expire:           req.Expire,
		SignalIn:         req.SignalIn,
		Attempt:          1,
		MaximumAttempts:  policy.MaximumAttempts,
	}

	// An existing child record means a replayed spawn or a pinned-ID
	// collision. Either way the spawn attaches instead of re-running.
	if raw, err := s.store.GetField(ctx, req.WorkflowID, job.FieldStatus); err == nil {
		s.attachChild(ctx, msg, req, in.Dimension, slotField, job.ParseStatus(raw))
		return
	}
	ts := now()
	fields := map[string]string{
		job.FieldStatus:  strconv.Itoa(job.StatusActive),
		job.FieldCreated: ts,
		job.FieldUpdated: ts,
	}
	if req.Await {
		link, _ := json.Marshal(job.ParentLink{JobID: msg.WorkflowID, Dimension: in.Dimension, Slot: slotField})
		fields[job.FieldParent] = string(link)
	}
	if _, err := s.store.SetFields(ctx, req.WorkflowID, fields); err != nil {
		s.logger.Error(ctx, "create child record", "jobId", req.WorkflowID, "err", err)
		return
	}
	s.appendChild(ctx, msg.WorkflowID, req.WorkflowID)

	if !req.Await {
		slot, err := job.EncodeSlotData(req.WorkflowID)
		if err == nil {
			if _, err := s.store.SetFields(ctx, msg.WorkflowID, map[string]string{slotField: slot}); err != nil {
				s.logger.Error(ctx, "resolve start slot", "jobId", msg.WorkflowID, "err", err)
			}
		}
	}
	s.dispatch(ctx, &child)
	if !req.Await {
		s.resume(ctx, msg.WorkflowID, in.Dimension)
	}
}

// attachChild binds a spawn to a child record that already exists. Live
// awaited children get the parent link so their terminal transition resolves
// the slot; finished ones resolve it at once from their recorded outcome.
func (s *Scheduler) attachChild(ctx context.Context, msg *job.Message, req *interrupt.ChildRequest, dimension, slotField string, status int) {
	s.appendChild(ctx, msg.WorkflowID, req.WorkflowID)
	if !req.Await {
		slot, err := job.EncodeSlotData(req.WorkflowID)
		if err != nil {
			return
		}
		if _, err := s.store.SetFields(ctx, msg.WorkflowID, map[string]string{slotField: slot}); err != nil {
			s.logger.Error(ctx, "resolve start slot", "jobId", msg.WorkflowID, "err", err)
			return
		}
		s.resume(ctx, msg.WorkflowID, dimension)
		return
	}
	if !job.Terminal(status) {
		link, _ := json.Marshal(job.ParentLink{JobID: msg.WorkflowID, Dimension: dimension, Slot: slotField})
		if _, err := s.store.SetFields(ctx, req.WorkflowID, map[string]string{job.FieldParent: string(link)}); err != nil {
			s.logger.Error(ctx, "attach parent link", "jobId", req.WorkflowID, "err", err)
		}
		return
	}
	rec, err := s.store.GetFields(ctx, req.WorkflowID, []string{job.FieldError, job.FieldResponse})
	if err != nil {
		s.logger.Error(ctx, "load finished child outcome", "jobId", req.WorkflowID, "err", err)
		return
	}
	var slot string
	if e := job.DecodeErrorRecord(rec[job.FieldError]); e != nil {
		b, _ := json.Marshal(job.Slot{Error: e})
		slot = string(b)
	} else {
		b, _ := json.Marshal(job.Slot{Data: json.RawMessage(rec[job.FieldResponse])})
		slot = string(b)
	}
	if _, err := s.store.SetFields(ctx, msg.WorkflowID, map[string]string{slotField: slot}); err != nil {
		s.logger.Error(ctx, "resolve child slot", "jobId", msg.WorkflowID, "err", err)
		return
	}
	s.resume(ctx, msg.WorkflowID, dimension)
}

// retryWorkflow advances the workflow-level retry ladder after a recoverable
// failure. Exhausting the ladder is a terminal maxed transition.
func (s *Scheduler) retryWorkflow(ctx context.Context, msg *job.Message, rec *job.ErrorRecord) {
	maxAttempts := msg.MaximumAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.Retry.MaximumAttempts
	}
	attempt := msg.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= maxAttempts {
		if msg.WorkflowDimension != "" {
			s.logger.Error(ctx, "hook thread retries exhausted",
				"jobId", msg.WorkflowID,
				"dimension", msg.WorkflowDimension,
				"attempts", attempt,
				"cause", rec.Message,
			)
			return
		}
		maxed := &interrupt.MaxedError{
			Message:  "retries exhausted: " + rec.Message,
			Attempts: attempt,
		}
		final := job.NewErrorRecord(maxed)
		fields := map[string]string{
			job.FieldStatus:  strconv.Itoa(job.StatusFailed),
			job.FieldError:   final.Encode(),
			job.FieldUpdated: now(),
		}
		if _, err := s.store.SetFields(ctx, msg.WorkflowID, fields); err != nil {
			s.logger.Error(ctx, "persist maxed failure", "jobId", msg.WorkflowID, "err", err)
			return
		}
		s.finalize(ctx, msg, job.StatusFailed, nil, final)
		return
	}

	next := *msg
	next.Attempt = attempt + 1
	next.MaximumAttempts = maxAttempts
	delay := config.Backoff(s.cfg.Policy(), attempt)
	key := msg.WorkflowID + "@retry" + msg.WorkflowDimension + "-" + strconv.Itoa(next.Attempt)
	s.logger.Warn(ctx, "workflow retry scheduled",
		"jobId", msg.WorkflowID,
		"attempt", next.Attempt,
		"delay", delay.String(),
		"cause", rec.Message,
	)
	s.timers.schedule(key, delay, func() {
		s.dispatch(ctx, &next)
	})
}

// resolvePolicy fills zero-valued retry policy fields with engine defaults.
func (s *Scheduler) resolvePolicy(p interrupt.RetryPolicy) interrupt.RetryPolicy {
	if p.MaximumAttempts <= 0 {
		p.MaximumAttempts = s.cfg.Retry.MaximumAttempts
	}
	if p.BackoffCoefficient <= 1 {
		p.BackoffCoefficient = s.cfg.Retry.BackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = s.cfg.Retry.MaximumInterval
	}
	return p
}
