package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom/config"
	"goa.design/loom/executor"
	"goa.design/loom/interrupt"
	"goa.design/loom/job"
	"goa.design/loom/pubsub/inmem"
	"goa.design/loom/store/memory"
	"goa.design/loom/workflow"
)

func newExecutor(t *testing.T, st *memory.Store, icpts ...executor.WorkflowInterceptor) *executor.Executor {
	t.Helper()
	ex, err := executor.New(executor.Options{
		Store:        st,
		Bus:          inmem.New(),
		Config:       config.Default(),
		Interceptors: icpts,
	})
	require.NoError(t, err)
	return ex
}

func message(dimension string) *job.Message {
	return &job.Message{
		WorkflowID:        "j1",
		WorkflowName:      "order",
		WorkflowTopic:     "loom.orders.order",
		TaskQueue:         "orders",
		Namespace:         "loom",
		WorkflowDimension: dimension,
	}
}

func TestInvokeCompletion(t *testing.T) {
	ex := newExecutor(t, memory.New())
	out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeSuccess, out.Code)
	require.True(t, out.Done)
	require.JSONEq(t, `{"ok":true}`, string(out.Response))
	require.Nil(t, out.Error)
	require.Nil(t, out.Interruption)
}

func TestInvokeSingleSleep(t *testing.T) {
	ex := newExecutor(t, memory.New())
	out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		return workflow.SleepFor(ctx, 3*time.Second)
	})
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeSleep, out.Code)
	require.False(t, out.Done)
	require.Equal(t, interrupt.KindSleep, out.Interruption.Kind)
	require.Equal(t, 3*time.Second, out.Interruption.Sleep.Duration)
}

func TestInvokeCollatesGroupedBranches(t *testing.T) {
	ex := newExecutor(t, memory.New())
	charge := workflow.Proxy[string]("charge")
	notify := workflow.Proxy[string]("notify")
	out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		return workflow.All(ctx,
			func() (any, error) { return charge.Call(ctx) },
			func() (any, error) { return notify.Call(ctx) },
		)
	})
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeCollated, out.Code)
	require.Equal(t, interrupt.KindCollated, out.Interruption.Kind)
	require.Len(t, out.Interruption.Items, 2)
	require.Equal(t, interrupt.KindProxy, out.Interruption.Items[0].Kind)
	require.Equal(t, 1, out.Interruption.Items[0].Index)
	require.Equal(t, 2, out.Interruption.Items[1].Index)
}

func TestInvokeSingleWaitCollates(t *testing.T) {
	ex := newExecutor(t, memory.New())
	out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		return workflow.WaitFor[string](ctx, "approval")
	})
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeCollated, out.Code, "waits always collate")
	require.Len(t, out.Interruption.Items, 1)
	require.Equal(t, interrupt.KindWait, out.Interruption.Items[0].Kind)
}

func TestInvokeTerminalErrors(t *testing.T) {
	ex := newExecutor(t, memory.New())
	cases := []struct {
		err  error
		code int
	}{
		{interrupt.Fatal("unrecoverable"), interrupt.CodeFatal},
		{&interrupt.TimeoutError{Message: "deadline"}, interrupt.CodeTimeout},
		{&interrupt.MaxedError{Message: "exhausted", Attempts: 3}, interrupt.CodeMaxed},
	}
	for _, c := range cases {
		out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
			return nil, c.err
		})
		require.NoError(t, err)
		require.Equal(t, c.code, out.Code)
		require.Equal(t, c.code, out.Error.Code)
		require.NotEmpty(t, out.Error.Message)
	}
}

func TestInvokePlainErrorIsRetryable(t *testing.T) {
	ex := newExecutor(t, memory.New())
	out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		return nil, errors.New("transient glitch")
	})
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeRetry, out.Code)
	require.Equal(t, "transient glitch", out.Error.Message)
}

func TestInvokeReplayIsDimensionIsolated(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	mainSlot, err := job.EncodeSlotData(1.0)
	require.NoError(t, err)
	hookSlot, err := job.EncodeSlotData(9.0)
	require.NoError(t, err)
	_, err = st.SetFields(ctx, "j1", map[string]string{
		"-sleep-1-":   mainSlot,
		"-sleep,0-1-": hookSlot,
	})
	require.NoError(t, err)

	ex := newExecutor(t, st)
	fn := func(c *workflow.Context) (any, error) {
		d, err := workflow.SleepFor(c, time.Second)
		if err != nil {
			return nil, err
		}
		return d.Seconds(), nil
	}

	out, err := ex.Invoke(ctx, message(""), fn)
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeSuccess, out.Code)
	require.JSONEq(t, `1`, string(out.Response), "main thread sees its own slot")

	out, err = ex.Invoke(ctx, message(",0"), fn)
	require.NoError(t, err)
	require.JSONEq(t, `9`, string(out.Response), "hook thread sees only its coordinate")
}

func TestInvokeCarriesMarkers(t *testing.T) {
	ex := newExecutor(t, memory.New())
	out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		if err := workflow.Signal(ctx, "approval", "yes"); err != nil {
			return nil, err
		}
		return "done", nil
	})
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeSuccess, out.Code)
	require.Equal(t, []string{"-publish-1-"}, out.Markers)
}

func TestInterceptorOnionOrder(t *testing.T) {
	var order []string
	wrap := func(name string) executor.WorkflowInterceptor {
		return executor.WorkflowInterceptorFunc(func(ctx *workflow.Context, next func() (any, error)) (any, error) {
			order = append(order, name+":before")
			v, err := next()
			order = append(order, name+":after")
			return v, err
		})
	}
	ex := newExecutor(t, memory.New(), wrap("outer"), wrap("inner"))
	_, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		order = append(order, "workflow")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"outer:before", "inner:before", "workflow", "inner:after", "outer:after"}, order)
}

func TestInterceptorSeesInterruption(t *testing.T) {
	var observed error
	icpt := executor.WorkflowInterceptorFunc(func(ctx *workflow.Context, next func() (any, error)) (any, error) {
		v, err := next()
		observed = err
		return v, err
	})
	ex := newExecutor(t, memory.New(), icpt)
	out, err := ex.Invoke(context.Background(), message(""), func(ctx *workflow.Context) (any, error) {
		return workflow.SleepFor(ctx, time.Second)
	})
	require.NoError(t, err)
	require.Equal(t, interrupt.CodeSleep, out.Code)
	require.True(t, interrupt.DidInterrupt(observed), "interceptors observe and re-propagate interruptions")
}
