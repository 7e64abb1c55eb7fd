package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"goa.design/loom/config"
	"goa.design/loom/executor"
	"goa.design/loom/interrupt"
	"goa.design/loom/job"
)

// publishActivity places an activity task on its queue topic.
func (s *Scheduler) publishActivity(ctx context.Context, am *job.ActivityMessage) {
	data, err := json.Marshal(am)
	if err != nil {
		s.logger.Error(ctx, "encode activity message", "jobId", am.JobID, "err", err)
		return
	}
	topic := job.ActivityTopic(am.Namespace, am.TaskQueue)
	if err := s.bus.Publish(ctx, topic, data); err != nil {
		s.logger.Error(ctx, "publish activity message", "jobId", am.JobID, "activity", am.ActivityName, "err", err)
	}
}

// handleActivity executes one activity attempt and resolves it against the
// raising job: success and terminal errors cache into the replay slot and
// re-dispatch the thread; recoverable errors climb the retry ladder.
func (s *Scheduler) handleActivity(ctx context.Context, data []byte) {
	var am job.ActivityMessage
	if err := json.Unmarshal(data, &am); err != nil {
		s.logger.Error(ctx, "decode activity message", "err", err)
		return
	}
	fn, ok := s.registry.Activity(am.ActivityName)
	if !ok {
		s.logger.Debug(ctx, "no activity registered", "activity", am.ActivityName)
		return
	}
	// The raising job may have gone terminal while the task was queued.
	if job.Terminal(s.status(ctx, am.JobID)) {
		s.logger.Debug(ctx, "drop activity for terminal job", "jobId", am.JobID, "activity", am.ActivityName)
		return
	}

	info := &executor.ActivityInfo{
		ActivityName: am.ActivityName,
		WorkflowID:   am.JobID,
		TaskQueue:    am.TaskQueue,
		Attempt:      am.Attempt,
		Arguments:    am.Arguments,
	}
	next := func() (any, error) { return fn(ctx, am.Arguments) }
	ring := s.registry.ActivityInterceptors()
	for i := len(ring) - 1; i >= 0; i-- {
		icpt, inner := ring[i], next
		next = func() (any, error) { return icpt.Execute(ctx, info, inner) }
	}

	start := time.Now()
	result, err := next()
	s.metrics.RecordTimer("scheduler.activity", time.Since(start), "activity", am.ActivityName)

	field := job.SlotName(job.OpProxy, am.Dimension, am.Index)
	if err == nil {
		slot, encErr := job.EncodeSlotData(result)
		if encErr != nil {
			err = interrupt.Fatal("encode activity result: %s", encErr)
		} else {
			s.resolveActivity(ctx, &am, field, slot)
			return
		}
	}

	if interrupt.Terminal(interrupt.ErrorCode(err)) {
		s.resolveActivity(ctx, &am, field, job.EncodeSlotError(err))
		return
	}
	s.retryActivity(ctx, &am, field, err)
}

// resolveActivity caches the slot value and re-dispatches the thread.
func (s *Scheduler) resolveActivity(ctx context.Context, am *job.ActivityMessage, field, slot string) {
	s.pending.end(am.JobID + field)
	if _, err := s.store.SetFields(ctx, am.JobID, map[string]string{field: slot}); err != nil {
		s.logger.Error(ctx, "persist activity slot", "jobId", am.JobID, "err", err)
		return
	}
	s.resume(ctx, am.JobID, am.Dimension)
}

// retryActivity advances the activity retry ladder: attempt N failing arms a
// backoffCoefficient^N second timer (capped) before attempt N+1. Exhaustion
// caches a maxed error, which the workflow observes as a typed rethrow.
func (s *Scheduler) retryActivity(ctx context.Context, am *job.ActivityMessage, field string, cause error) {
	if am.Attempt >= am.Retry.MaximumAttempts {
		maxed := &interrupt.MaxedError{
			Message:  "activity retries exhausted: " + cause.Error(),
			Attempts: am.Attempt,
		}
		s.resolveActivity(ctx, am, field, job.EncodeSlotError(maxed))
		return
	}
	next := *am
	next.Attempt = am.Attempt + 1
	delay := config.Backoff(am.Retry, am.Attempt)
	s.logger.Warn(ctx, "activity retry scheduled",
		"jobId", am.JobID,
		"activity", am.ActivityName,
		"attempt", next.Attempt,
		"delay", delay.String(),
		"cause", cause.Error(),
	)
	key := am.JobID + field + "@attempt-" + strconv.Itoa(next.Attempt)
	s.timers.schedule(key, delay, func() {
		s.publishActivity(ctx, &next)
	})
}
