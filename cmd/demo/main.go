// Command demo runs a complete order workflow in process: memory store,
// in-process bus, one worker, one client. It exists to show the minimal
// wiring; production deployments swap in redisstore and pulsebus.
package main

import (
	"context"
	"fmt"
	"time"

	"goa.design/loom/client"
	"goa.design/loom/config"
	"goa.design/loom/pubsub/inmem"
	"goa.design/loom/store/memory"
	"goa.design/loom/worker"
	"goa.design/loom/workflow"
)

var (
	charge = workflow.Proxy[string]("charge")
	notify = workflow.Proxy[bool]("notify")
)

// order charges the customer, waits for warehouse approval, and confirms.
func order(ctx *workflow.Context) (any, error) {
	customer, err := workflow.Arg[string](ctx, 0)
	if err != nil {
		return nil, err
	}
	receipt, err := charge.Call(ctx, customer)
	if err != nil {
		return nil, err
	}
	if err := workflow.Enrich(ctx, map[string]string{"receipt": receipt}); err != nil {
		return nil, err
	}
	approved, err := workflow.WaitFor[bool](ctx, "approve-"+ctx.WorkflowID())
	if err != nil {
		return nil, err
	}
	if !approved {
		return "rejected", nil
	}
	if _, err := notify.Call(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func main() {
	ctx := context.Background()

	// 1) Substrate: in-memory store and bus.
	st := memory.New()
	bus := inmem.New()
	cfg := config.Config{}

	// 2) Worker: register the workflow and its activities, then serve.
	w, err := worker.New(worker.Options{Store: st, Bus: bus, TaskQueue: "orders", Config: cfg})
	if err != nil {
		panic(err)
	}
	w.RegisterWorkflow("order", order)
	w.RegisterActivity("charge", worker.Activity(func(ctx context.Context, customer string) (string, error) {
		return "receipt-" + customer, nil
	}))
	w.RegisterActivity("notify", worker.Activity(func(ctx context.Context, receipt string) (bool, error) {
		fmt.Println("notified:", receipt)
		return true, nil
	}))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()
	time.Sleep(100 * time.Millisecond)

	// 3) Client: start a job, approve it, await the result.
	c, err := client.New(client.Options{Store: st, Bus: bus, Config: cfg})
	if err != nil {
		panic(err)
	}
	h, err := c.Start(ctx, client.StartOptions{
		WorkflowID:   "order-1",
		WorkflowName: "order",
		TaskQueue:    "orders",
		Args:         []any{"acme"},
	})
	if err != nil {
		panic(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.Signal(ctx, "approve-order-1", true); err != nil {
		panic(err)
	}

	waitCtx, done := context.WithTimeout(ctx, 10*time.Second)
	defer done()
	var receipt string
	if err := h.Result(waitCtx, &receipt); err != nil {
		panic(err)
	}
	fmt.Println("completed:", receipt)
}
