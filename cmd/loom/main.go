// Command loom is an operations CLI for a running engine deployment. It
// speaks to the shared substrate directly: job records in Redis hashes,
// engine topics on Pulse streams. Subcommands start jobs, deliver signals,
// inspect state, await results, and interrupt jobs.
//
// Usage:
//
//	loom [-redis addr] [-config file] [-debug] <command> [flags] [args]
//
// Commands:
//
//	start      start a workflow job
//	signal     deliver a signal payload
//	status     print a job's status
//	state      print a job's entity state document
//	result     await and print a job's result
//	interrupt  interrupt a running job
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/loom/client"
	"goa.design/loom/config"
	"goa.design/loom/job"
	"goa.design/loom/pubsub/pulsebus"
	"goa.design/loom/store/redisstore"
	"goa.design/loom/telemetry"
)

func main() {
	var (
		redisF  = flag.String("redis", "localhost:6379", "Redis address backing the engine substrate")
		passF   = flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
		configF = flag.String("config", "", "Engine configuration file (YAML)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := config.Config{}
	if *configF != "" {
		var err error
		if cfg, err = config.Load(*configF); err != nil {
			fail("load config: %s", err)
		}
	}
	cfg.Normalize()

	rdb := redis.NewClient(&redis.Options{Addr: *redisF, Password: *passF})
	st, err := redisstore.New(redisstore.Options{Client: rdb, KeyPrefix: cfg.Namespace + ":job:"})
	if err != nil {
		fail("store: %s", err)
	}
	bus, err := pulsebus.New(pulsebus.Options{Redis: rdb, SinkName: cfg.Namespace + "_cli"})
	if err != nil {
		fail("bus: %s", err)
	}
	c, err := client.New(client.Options{Store: st, Bus: bus, Config: cfg, Logger: telemetry.NewClueLogger()})
	if err != nil {
		fail("client: %s", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "start":
		runStart(ctx, c, rest)
	case "signal":
		runSignal(ctx, c, rest)
	case "status":
		runStatus(ctx, c, rest)
	case "state":
		runState(ctx, c, rest)
	case "result":
		runResult(ctx, c, rest)
	case "interrupt":
		runInterrupt(ctx, c, rest)
	default:
		fail("unknown command %q", cmd)
	}
}

// runStart starts a job. Positional arguments are JSON workflow arguments;
// values that do not parse as JSON pass through as strings.
func runStart(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	var (
		nameF  = fs.String("workflow", "", "Workflow name (required)")
		queueF = fs.String("queue", "", "Task queue (required)")
		idF    = fs.String("id", "", "Job ID (generated when empty)")
		waitF  = fs.Bool("wait", false, "Await the result before returning")
		keepF  = fs.Bool("persistent", false, "Keep the job record after completion")
	)
	_ = fs.Parse(args)
	if *nameF == "" || *queueF == "" {
		fail("start requires -workflow and -queue")
	}
	var wfArgs []any
	for _, a := range fs.Args() {
		wfArgs = append(wfArgs, parseArg(a))
	}
	h, err := c.Start(ctx, client.StartOptions{
		WorkflowID:   *idF,
		WorkflowName: *nameF,
		TaskQueue:    *queueF,
		Args:         wfArgs,
		Persistent:   *keepF,
	})
	if err != nil {
		fail("start: %s", err)
	}
	fmt.Println(h.WorkflowID())
	if *waitF {
		awaitResult(ctx, h)
	}
}

func runSignal(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 2 {
		fail("usage: signal <signal-id> <payload>")
	}
	if err := c.Signal(ctx, args[0], parseArg(args[1])); err != nil {
		fail("signal: %s", err)
	}
}

func runStatus(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 1 {
		fail("usage: status <job-id>")
	}
	status, err := c.Handle(args[0]).Status(ctx)
	if err != nil {
		fail("status: %s", err)
	}
	fmt.Println(statusName(status))
}

func runState(ctx context.Context, c *client.Client, args []string) {
	if len(args) != 1 {
		fail("usage: state <job-id>")
	}
	state, err := c.Handle(args[0]).State(ctx)
	if err != nil {
		fail("state: %s", err)
	}
	out, _ := json.MarshalIndent(state, "", "  ")
	fmt.Println(string(out))
}

func runResult(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	timeoutF := fs.Duration("timeout", 5*time.Minute, "How long to wait")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: result [-timeout d] <job-id>")
	}
	ctx, cancel := context.WithTimeout(ctx, *timeoutF)
	defer cancel()
	awaitResult(ctx, c.Handle(fs.Arg(0)))
}

func runInterrupt(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("interrupt", flag.ExitOnError)
	var (
		reasonF  = fs.String("reason", "", "Interruption reason")
		descendF = fs.Bool("descend", false, "Cascade to spawned children")
	)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fail("usage: interrupt [-reason r] [-descend] <job-id>")
	}
	err := c.Handle(fs.Arg(0)).Interrupt(ctx, client.InterruptOptions{
		Reason:  *reasonF,
		Descend: *descendF,
	})
	if err != nil {
		fail("interrupt: %s", err)
	}
}

func awaitResult(ctx context.Context, h *client.Handle) {
	var out json.RawMessage
	if err := h.Result(ctx, &out); err != nil {
		fail("result: %s", err)
	}
	fmt.Println(string(out))
}

// parseArg interprets a CLI argument as JSON, falling back to a raw string.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func statusName(status int) string {
	switch status {
	case job.StatusCompleted:
		return "completed"
	case job.StatusFailed:
		return "failed"
	case job.StatusInterrupted:
		return "interrupted"
	default:
		return "active"
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
