package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"goa.design/loom/interrupt"
	"goa.design/loom/job"
	"goa.design/loom/store"
)

type subscription struct {
	JobID     string `json:"jobId"`
	Dimension string `json:"dimension,omitempty"`
	Index     int    `json:"index"`
}

// queuedField names the field holding an early signal payload: a signal that
// arrived before any thread was parked on its ID.
func queuedField(signalID string) string { return "q:" + signalID }

// armWait parks a thread on a signal ID. When the signal already arrived it
// is consumed at once; otherwise the subscription is recorded for delivery.
// Each signal ID holds a single waiter: a second thread parking on the same
// ID replaces the first, which stays suspended until signaled on another ID
// or interrupted.
func (s *Scheduler) armWait(ctx context.Context, msg *job.Message, in *interrupt.Interruption) {
	signalID := in.Wait.SignalID
	sub := subscription{JobID: msg.WorkflowID, Dimension: in.Dimension, Index: in.Index}

	queued, err := s.store.GetField(ctx, signalsRecordID, queuedField(signalID))
	if err == nil {
		if _, err := s.store.DeleteFields(ctx, signalsRecordID, queuedField(signalID)); err != nil {
			s.logger.Error(ctx, "consume queued signal", "signalId", signalID, "err", err)
		}
		s.deliver(ctx, &sub, json.RawMessage(queued))
		return
	}
	if !errors.Is(err, store.ErrFieldNotFound) {
		s.logger.Error(ctx, "check queued signal", "signalId", signalID, "err", err)
		return
	}

	raw, _ := json.Marshal(sub)
	if prev, err := s.store.GetField(ctx, signalsRecordID, signalID); err == nil && prev != string(raw) {
		s.logger.Warn(ctx, "signal subscription replaced", "signalId", signalID, "jobId", msg.WorkflowID)
	}
	if _, err := s.store.SetFields(ctx, signalsRecordID, map[string]string{signalID: string(raw)}); err != nil {
		s.logger.Error(ctx, "record signal subscription", "signalId", signalID, "err", err)
	}
}

// handleSignal routes a published signal: to the parked subscriber when one
// exists, to the early-signal queue otherwise. Queued signals keep the last
// payload per ID.
func (s *Scheduler) handleSignal(ctx context.Context, data []byte) {
	var sig job.SignalMessage
	if err := json.Unmarshal(data, &sig); err != nil {
		s.logger.Error(ctx, "decode signal message", "err", err)
		return
	}
	raw, err := s.store.GetField(ctx, signalsRecordID, sig.SignalID)
	if errors.Is(err, store.ErrFieldNotFound) {
		if _, err := s.store.SetFields(ctx, signalsRecordID, map[string]string{queuedField(sig.SignalID): string(sig.Data)}); err != nil {
			s.logger.Error(ctx, "queue early signal", "signalId", sig.SignalID, "err", err)
		}
		return
	}
	if err != nil {
		s.logger.Error(ctx, "load signal subscription", "signalId", sig.SignalID, "err", err)
		return
	}
	var sub subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		s.logger.Error(ctx, "decode signal subscription", "signalId", sig.SignalID, "err", err)
		return
	}
	if _, err := s.store.DeleteFields(ctx, signalsRecordID, sig.SignalID); err != nil {
		s.logger.Error(ctx, "release signal subscription", "signalId", sig.SignalID, "err", err)
	}
	s.deliver(ctx, &sub, sig.Data)
}

// deliver caches the signal payload into the subscriber's wait slot and
// re-dispatches the thread.
func (s *Scheduler) deliver(ctx context.Context, sub *subscription, data json.RawMessage) {
	if job.Terminal(s.status(ctx, sub.JobID)) {
		s.logger.Debug(ctx, "drop signal for terminal job", "jobId", sub.JobID)
		return
	}
	field := job.SlotName(job.OpWait, sub.Dimension, sub.Index)
	b, _ := json.Marshal(job.Slot{Data: data})
	if _, err := s.store.SetFields(ctx, sub.JobID, map[string]string{field: string(b)}); err != nil {
		s.logger.Error(ctx, "persist signal slot", "jobId", sub.JobID, "err", err)
		return
	}
	s.resume(ctx, sub.JobID, sub.Dimension)
}

// handleFlow mints a dimensional thread for a hook request. The target's
// dimension counter assigns the coordinate; the hook then executes as an
// ordinary re-entry on that thread.
func (s *Scheduler) handleFlow(ctx context.Context, data []byte) {
	var req interrupt.ChildRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error(ctx, "decode hook request", "err", err)
		return
	}
	if job.Terminal(s.status(ctx, req.WorkflowID)) {
		s.logger.Debug(ctx, "drop hook for terminal job", "jobId", req.WorkflowID)
		return
	}
	n, err := s.store.IncrementFieldByFloat(ctx, req.WorkflowID, job.FieldDimensions, 1)
	if err != nil {
		s.logger.Error(ctx, "assign hook dimension", "jobId", req.WorkflowID, "err", err)
		return
	}
	dimension := job.ChildDimension(req.Dimension, int(n)-1)
	msg := job.Message{
		WorkflowID:        req.WorkflowID,
		WorkflowTopic:     job.WorkflowTopic(s.cfg.Namespace, req.TaskQueue, req.WorkflowName),
		WorkflowName:      req.WorkflowName,
		TaskQueue:         req.TaskQueue,
		Namespace:         s.cfg.Namespace,
		Arguments:         req.Arguments,
		OriginJobID:       req.WorkflowID,
		WorkflowDimension: dimension,
		Attempt:           1,
	}
	s.logger.Debug(ctx, "hook thread minted", "jobId", req.WorkflowID, "dimension", dimension, "workflow", req.WorkflowName)
	s.dispatch(ctx, &msg)
}

// handleInterrupt force-terminates a job: status -2, optional $error, handle
// notification, TTL, and an optional cascade over recorded children.
func (s *Scheduler) handleInterrupt(ctx context.Context, data []byte) {
	var im job.InterruptMessage
	if err := json.Unmarshal(data, &im); err != nil {
		s.logger.Error(ctx, "decode interrupt message", "err", err)
		return
	}
	if job.Terminal(s.status(ctx, im.WorkflowID)) {
		return
	}
	reason := im.Reason
	if reason == "" {
		reason = "interrupted"
	}
	throw := im.Throw == nil || *im.Throw

	fields := map[string]string{
		job.FieldStatus:  strconv.Itoa(job.StatusInterrupted),
		job.FieldUpdated: now(),
	}
	var rec *job.ErrorRecord
	if throw {
		rec = job.NewErrorRecord(interrupt.Fatal("%s", reason))
		fields[job.FieldError] = rec.Encode()
	}
	if _, err := s.store.SetFields(ctx, im.WorkflowID, fields); err != nil {
		s.logger.Error(ctx, "persist interrupt", "jobId", im.WorkflowID, "err", err)
		return
	}
	s.notify(ctx, s.cfg.Namespace, &job.Notification{
		WorkflowID: im.WorkflowID,
		Status:     job.StatusInterrupted,
		Error:      rec,
	})
	if rec != nil {
		if link := s.parentLink(ctx, im.WorkflowID); link != nil {
			b, _ := json.Marshal(job.Slot{Error: rec})
			if _, err := s.store.SetFields(ctx, link.JobID, map[string]string{link.Slot: string(b)}); err == nil {
				s.resume(ctx, link.JobID, link.Dimension)
			}
		}
	}
	ttl := im.Expire
	if ttl <= 0 {
		ttl = s.cfg.JobTTL
	}
	if err := s.store.ExpireJob(ctx, im.WorkflowID, ttl); err != nil {
		s.logger.Error(ctx, "expire interrupted job", "jobId", im.WorkflowID, "err", err)
	}

	if !im.Descend {
		return
	}
	raw, err := s.store.GetField(ctx, im.WorkflowID, job.FieldChildren)
	if err != nil {
		return
	}
	var children []string
	if err := json.Unmarshal([]byte(raw), &children); err != nil {
		return
	}
	for _, child := range children {
		cascade := im
		cascade.WorkflowID = child
		b, err := json.Marshal(cascade)
		if err != nil {
			continue
		}
		if err := s.bus.Publish(ctx, job.InterruptTopic(s.cfg.Namespace), b); err != nil {
			s.logger.Error(ctx, "cascade interrupt", "jobId", child, "err", err)
		}
	}
}
