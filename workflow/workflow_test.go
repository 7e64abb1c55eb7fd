package workflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom/config"
	"goa.design/loom/interrupt"
	"goa.design/loom/job"
	"goa.design/loom/pubsub"
	"goa.design/loom/pubsub/inmem"
	"goa.design/loom/store/memory"
	"goa.design/loom/workflow"
)

type harness struct {
	store *memory.Store
	bus   pubsub.Bus
}

func newHarness() *harness {
	return &harness{store: memory.New(), bus: inmem.New()}
}

func (h *harness) context(dimension string, replay map[string]string) *workflow.Context {
	return workflow.NewContext(context.Background(), workflow.Params{
		Message: &job.Message{
			WorkflowID:        "j1",
			WorkflowName:      "order",
			WorkflowTopic:     "loom.orders.order",
			TaskQueue:         "orders",
			Namespace:         "loom",
			WorkflowDimension: dimension,
		},
		Config: config.Default(),
		Store:  h.store,
		Bus:    h.bus,
		Replay: replay,
	})
}

func slotData(t *testing.T, v any) string {
	t.Helper()
	s, err := job.EncodeSlotData(v)
	require.NoError(t, err)
	return s
}

func TestSleepForRaisesThenReplays(t *testing.T) {
	h := newHarness()

	ctx := h.context("", nil)
	_, err := workflow.SleepFor(ctx, 5*time.Second)
	in, ok := interrupt.As(err)
	require.True(t, ok)
	require.Equal(t, interrupt.KindSleep, in.Kind)
	require.Equal(t, interrupt.CodeSleep, in.Code)
	require.Equal(t, 1, in.Index)
	require.Equal(t, 5*time.Second, in.Sleep.Duration)
	require.Len(t, ctx.Registry(), 1)

	replay := map[string]string{"-sleep-1-": slotData(t, 5.0)}
	ctx = h.context("", replay)
	d, err := workflow.SleepFor(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)
	require.Empty(t, ctx.Registry())
}

func TestCounterAssignsStableIndices(t *testing.T) {
	h := newHarness()

	// First entry: the first call misses and suspends.
	ctx := h.context("", nil)
	_, err := workflow.SleepFor(ctx, time.Second)
	in, _ := interrupt.As(err)
	require.Equal(t, 1, in.Index)

	// Second entry: slot 1 replays, the next primitive draws index 2.
	ctx = h.context("", map[string]string{"-sleep-1-": slotData(t, 1.0)})
	_, err = workflow.SleepFor(ctx, time.Second)
	require.NoError(t, err)
	_, err = workflow.WaitFor[string](ctx, "approval")
	in, ok := interrupt.As(err)
	require.True(t, ok)
	require.Equal(t, 2, in.Index)
	require.Equal(t, "approval", in.Wait.SignalID)
}

func TestDimensionalSlotNames(t *testing.T) {
	h := newHarness()
	ctx := h.context(",0", nil)
	_, err := workflow.SleepFor(ctx, time.Second)
	in, _ := interrupt.As(err)
	require.Equal(t, ",0", in.Dimension)

	// The hook thread replays only from its own coordinate.
	replay := map[string]string{"-sleep,0-1-": slotData(t, 1.0)}
	ctx = h.context(",0", replay)
	_, err = workflow.SleepFor(ctx, time.Second)
	require.NoError(t, err)
}

func TestProxyCachedResult(t *testing.T) {
	h := newHarness()
	charge := workflow.Proxy[string]("charge")

	ctx := h.context("", nil)
	_, err := charge.Call(ctx, "cust-1", 100)
	in, ok := interrupt.As(err)
	require.True(t, ok)
	require.Equal(t, interrupt.KindProxy, in.Kind)
	require.Equal(t, "charge", in.Proxy.ActivityName)
	require.JSONEq(t, `["cust-1",100]`, string(in.Proxy.Arguments))

	ctx = h.context("", map[string]string{"-proxy-1-": slotData(t, "receipt-9")})
	out, err := charge.Call(ctx, "cust-1", 100)
	require.NoError(t, err)
	require.Equal(t, "receipt-9", out)
}

func TestProxyCachedErrorRethrow(t *testing.T) {
	h := newHarness()
	charge := workflow.Proxy[string]("charge")

	cached := job.EncodeSlotError(interrupt.Fatal("card declined"))
	ctx := h.context("", map[string]string{"-proxy-1-": cached})
	_, err := charge.Call(ctx)
	var fatal *interrupt.FatalError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, "card declined", fatal.Message)
}

func TestProxyThrowOnErrorFalseReturnsRecord(t *testing.T) {
	h := newHarness()
	no := false
	charge := workflow.Proxy[map[string]any]("charge", workflow.ActivityOptions{
		Retry: interrupt.RetryPolicy{ThrowOnError: &no},
	})

	cached := job.EncodeSlotError(interrupt.Fatal("card declined"))
	ctx := h.context("", map[string]string{"-proxy-1-": cached})
	out, err := charge.Call(ctx)
	require.NoError(t, err)
	require.Equal(t, "card declined", out["message"])
	require.Equal(t, float64(interrupt.CodeFatal), out["code"])
}

func TestAllHarvestsEveryBranch(t *testing.T) {
	h := newHarness()
	charge := workflow.Proxy[string]("charge")
	notify := workflow.Proxy[string]("notify")

	ctx := h.context("", nil)
	_, err := workflow.All(ctx,
		func() (any, error) { return charge.Call(ctx) },
		func() (any, error) { return notify.Call(ctx) },
	)
	in, ok := interrupt.As(err)
	require.True(t, ok)
	require.Equal(t, 1, in.Index, "All returns the first interruption")
	require.Len(t, ctx.Registry(), 2, "both branches registered")

	// Both slots filled: All resolves positionally.
	ctx = h.context("", map[string]string{
		"-proxy-1-": slotData(t, "a"),
		"-proxy-2-": slotData(t, "b"),
	})
	results, err := workflow.All(ctx,
		func() (any, error) { return charge.Call(ctx) },
		func() (any, error) { return notify.Call(ctx) },
	)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, results)
}

func TestAllAbortsOnApplicationError(t *testing.T) {
	h := newHarness()
	ctx := h.context("", nil)
	_, err := workflow.All(ctx,
		func() (any, error) { return nil, interrupt.Fatal("boom") },
		func() (any, error) { t.Fatal("must not run"); return nil, nil },
	)
	require.False(t, interrupt.DidInterrupt(err))
	var fatal *interrupt.FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestSignalPublishesOnce(t *testing.T) {
	h := newHarness()
	ch, stop, err := h.bus.Subscribe(context.Background(), job.SignalTopic("loom"))
	require.NoError(t, err)
	defer stop()

	ctx := h.context("", nil)
	require.NoError(t, workflow.Signal(ctx, "approval", map[string]any{"ok": true}))
	require.Equal(t, []string{"-publish-1-"}, ctx.Markers())

	var got pubsub.Message
	select {
	case got = <-ch:
	case <-time.After(time.Second):
		t.Fatal("signal not published")
	}
	var sig job.SignalMessage
	require.NoError(t, json.Unmarshal(got.Data, &sig))
	require.Equal(t, "approval", sig.SignalID)
	require.JSONEq(t, `{"ok":true}`, string(sig.Data))

	// Replay with the marker present publishes nothing.
	ctx = h.context("", map[string]string{"-publish-1-": "sent"})
	require.NoError(t, workflow.Signal(ctx, "approval", map[string]any{"ok": true}))
	require.Empty(t, ctx.Markers())
	select {
	case <-ch:
		t.Fatal("replayed signal must not republish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHookRecursionGuard(t *testing.T) {
	h := newHarness()
	ctx := h.context("", nil)
	err := workflow.Hook(ctx, workflow.HookOptions{WorkflowName: "order"})
	require.Error(t, err, "self-hook without entity or queue override")

	err = workflow.Hook(ctx, workflow.HookOptions{WorkflowName: "order", TaskQueue: "audit"})
	require.NoError(t, err)
}

func TestHookPublishesChildRequest(t *testing.T) {
	h := newHarness()
	ch, stop, err := h.bus.Subscribe(context.Background(), job.FlowTopic("loom"))
	require.NoError(t, err)
	defer stop()

	ctx := h.context("", nil)
	require.NoError(t, workflow.Hook(ctx, workflow.HookOptions{
		WorkflowName: "recordShipment",
		Args:         []any{"pkg-1"},
	}))

	var got pubsub.Message
	select {
	case got = <-ch:
	case <-time.After(time.Second):
		t.Fatal("hook not published")
	}
	var req interrupt.ChildRequest
	require.NoError(t, json.Unmarshal(got.Data, &req))
	require.True(t, req.Hook)
	require.Equal(t, "j1", req.WorkflowID, "defaults to the calling job")
	require.Equal(t, "recordShipment", req.WorkflowName)
	require.Equal(t, "orders", req.TaskQueue)
	require.Empty(t, req.Dimension, "main-thread hooks mint top-level threads")

	// A hook raised from a dimensional thread carries its coordinate so
	// the minted thread nests under it.
	ctx = h.context(",0", nil)
	require.NoError(t, workflow.Hook(ctx, workflow.HookOptions{
		WorkflowName: "recordShipment",
		Args:         []any{"pkg-2"},
	}))
	select {
	case got = <-ch:
	case <-time.After(time.Second):
		t.Fatal("hook not published")
	}
	require.NoError(t, json.Unmarshal(got.Data, &req))
	require.Equal(t, ",0", req.Dimension)
}

func TestExecChildDeterministicID(t *testing.T) {
	h := newHarness()
	ctx := h.context("", nil)
	_, err := workflow.ExecChild[string](ctx, workflow.ChildOptions{WorkflowName: "fulfill"})
	in, ok := interrupt.As(err)
	require.True(t, ok)
	require.Equal(t, interrupt.KindChild, in.Kind)
	require.True(t, in.Child.Await)
	firstID := in.Child.WorkflowID
	require.NotEmpty(t, firstID)

	// The same call site derives the same child ID on every replay.
	ctx = h.context("", nil)
	_, err = workflow.ExecChild[string](ctx, workflow.ChildOptions{WorkflowName: "fulfill"})
	in, _ = interrupt.As(err)
	require.Equal(t, firstID, in.Child.WorkflowID)
}

func TestEntityIncrementReplaysMarkerValue(t *testing.T) {
	h := newHarness()

	ctx := h.context("", nil)
	total, err := workflow.Entity(ctx).Increment("count", 2)
	require.NoError(t, err)
	require.Equal(t, 2.0, total)
	require.Equal(t, []string{"-entity-1.1-"}, ctx.Markers())

	marker, err := h.store.GetField(context.Background(), "j1", "-entity-1.1-")
	require.NoError(t, err)

	// Replay returns the original total without touching the document.
	ctx = h.context("", map[string]string{"-entity-1.1-": marker})
	total, err = workflow.Entity(ctx).Increment("count", 2)
	require.NoError(t, err)
	require.Equal(t, 2.0, total)

	doc, err := h.store.GetField(context.Background(), "j1", job.FieldContext)
	require.NoError(t, err)
	require.JSONEq(t, `{"count":2}`, doc)
}

func TestEntitySessionSequencesMarkers(t *testing.T) {
	h := newHarness()
	ctx := h.context("", nil)
	e := workflow.Entity(ctx)
	require.NoError(t, e.Set("order.id", "o-1"))
	require.NoError(t, e.Append("order.items", "sku-1"))
	require.NoError(t, e.Toggle("order.rush"))
	require.Equal(t, []string{"-entity-1.1-", "-entity-1.2-", "-entity-1.3-"}, ctx.Markers())

	var id string
	require.NoError(t, e.Get("order.id", &id))
	require.Equal(t, "o-1", id)
	require.Len(t, ctx.Markers(), 3, "reads consume no marker")
}

func TestSearchSetAndGet(t *testing.T) {
	h := newHarness()
	ctx := h.context("", nil)
	s := workflow.Search(ctx)
	require.NoError(t, s.Set(map[string]string{"customer": "acme", "tier": "gold"}))

	v, err := s.Get("customer")
	require.NoError(t, err)
	require.Equal(t, "acme", v)

	stored, err := h.store.GetField(context.Background(), "j1", "_customer")
	require.NoError(t, err)
	require.Equal(t, "acme", stored)

	got, err := s.Mget("customer", "tier", "absent")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"customer": "acme", "tier": "gold"}, got)
}

func TestSearchIncrReplay(t *testing.T) {
	h := newHarness()

	ctx := h.context("", nil)
	total, err := workflow.Search(ctx).Incr("visits", 3)
	require.NoError(t, err)
	require.Equal(t, 3.0, total)

	marker, err := h.store.GetField(context.Background(), "j1", "-search-1.1-")
	require.NoError(t, err)

	ctx = h.context("", map[string]string{"-search-1.1-": marker})
	total, err = workflow.Search(ctx).Incr("visits", 3)
	require.NoError(t, err)
	require.Equal(t, 3.0, total, "replay returns the recorded total")

	stored, err := h.store.GetField(context.Background(), "j1", "_visits")
	require.NoError(t, err)
	require.Equal(t, "3", stored, "field applied exactly once")
}

func TestSearchMultAccumulatesInLogDomain(t *testing.T) {
	h := newHarness()
	ctx := h.context("", nil)
	s := workflow.Search(ctx)

	v, err := s.Mult("factor", 2)
	require.NoError(t, err)
	require.InDelta(t, 2.0, v, 1e-9)

	v, err = s.Mult("factor", 8)
	require.NoError(t, err)
	require.InDelta(t, 16.0, v, 1e-9)

	_, err = s.Mult("factor", -1)
	require.Error(t, err, "non-positive factors rejected")
}

func TestRandomIsDeterministicPerCallSite(t *testing.T) {
	h := newHarness()

	ctx := h.context("", nil)
	a1 := workflow.Random(ctx)
	a2 := workflow.Random(ctx)
	require.NotEqual(t, a1, a2, "consecutive draws differ")

	ctx = h.context("", nil)
	b1 := workflow.Random(ctx)
	b2 := workflow.Random(ctx)
	require.Equal(t, a1, b1, "same call site replays identically")
	require.Equal(t, a2, b2)
	require.GreaterOrEqual(t, a1, 0.0)
	require.Less(t, a1, 1.0)
}

func TestEmitOncePublishesAndMarks(t *testing.T) {
	h := newHarness()
	ch, stop, err := h.bus.Subscribe(context.Background(), "audit.events")
	require.NoError(t, err)
	defer stop()

	ctx := h.context("", nil)
	require.NoError(t, workflow.Emit(ctx, map[string]any{"audit.events": map[string]any{"kind": "started"}}))
	require.Equal(t, []string{"-emit-1-"}, ctx.Markers())

	select {
	case msg := <-ch:
		require.JSONEq(t, `{"kind":"started"}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("emit not published")
	}

	ctx = h.context("", map[string]string{"-emit-1-": "sent"})
	require.NoError(t, workflow.Emit(ctx, map[string]any{"audit.events": map[string]any{"kind": "started"}}))
	select {
	case <-ch:
		t.Fatal("replayed emit must not republish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInterruptPublishesOnce(t *testing.T) {
	h := newHarness()
	ch, stop, err := h.bus.Subscribe(context.Background(), job.InterruptTopic("loom"))
	require.NoError(t, err)
	defer stop()

	ctx := h.context("", nil)
	require.NoError(t, workflow.Interrupt(ctx, "other-job", workflow.InterruptOptions{Reason: "superseded", Descend: true}))
	require.Equal(t, []string{"-interrupt-1-"}, ctx.Markers())

	var got pubsub.Message
	select {
	case got = <-ch:
	case <-time.After(time.Second):
		t.Fatal("interrupt not published")
	}
	var im job.InterruptMessage
	require.NoError(t, json.Unmarshal(got.Data, &im))
	require.Equal(t, "other-job", im.WorkflowID)
	require.Equal(t, "superseded", im.Reason)
	require.True(t, im.Descend)

	// An empty target resolves to the calling job.
	ctx = h.context("", nil)
	require.NoError(t, workflow.Interrupt(ctx, ""))
	select {
	case got = <-ch:
	case <-time.After(time.Second):
		t.Fatal("self interrupt not published")
	}
	require.NoError(t, json.Unmarshal(got.Data, &im))
	require.Equal(t, "j1", im.WorkflowID)

	// Replay with the marker present publishes nothing.
	ctx = h.context("", map[string]string{"-interrupt-1-": "sent"})
	require.NoError(t, workflow.Interrupt(ctx, "other-job"))
	require.Empty(t, ctx.Markers())
	select {
	case <-ch:
		t.Fatal("replayed interrupt must not republish")
	case <-time.After(50 * time.Millisecond):
	}
}
