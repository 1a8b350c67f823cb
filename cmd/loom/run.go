package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/agentapi"
	"github.com/loomctl/loom/internal/breakpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/executor"
	"github.com/loomctl/loom/internal/llm"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/runner"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/window"
)

var runParallel int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute queued tasks until the project drains",
	Long: `Pull ready tasks from the queue and execute them with the
configured agent, in parallel workers, until nothing is left to run.

Tasks that fail transiently are retried with exponential backoff.
Low-confidence or repeatedly invalid results raise breakpoints and
leave the task blocked; resolve them with 'loom resolve' and run again.
Interrupting with Ctrl-C stops cleanly and the next run resumes.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "max concurrent tasks (defaults to config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	project, err := resolveProject(db)
	if err != nil {
		return err
	}

	cwd, _ := os.Getwd()
	debug := logging.NewDebugLoggerForProject(cwd)
	defer debug.Close()

	agent, err := agentapi.NewAnthropicAgent(agentapi.AnthropicConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	// Supervisor failures only lose LLM scoring; heuristics still run.
	var supervisor llm.Supervisor
	if client, err := llm.NewClient(llm.ClientConfig{
		Model:          anthropic.Model(cfg.Anthropic.Model),
		APIKey:         cfg.Anthropic.APIKey,
		UseAWSBedrock:  cfg.Anthropic.UseAWSBedrock,
		AWSRegion:      cfg.Anthropic.AWSRegion,
		AWSProfile:     cfg.Anthropic.AWSProfile,
		DefaultTimeout: cfg.Timeouts.LLM(),
	}); err == nil {
		supervisor = client
	} else {
		fmt.Fprintf(os.Stderr, "warning: supervisor unavailable, using heuristic scoring: %v\n", err)
	}

	bus := events.NewBus()
	sched := scheduler.New(db, cfg.Scheduler.Retry,
		scheduler.WithBus(bus), scheduler.WithDebugLogger(debug))
	defer sched.Stop()
	windows := window.NewManager(db, cfg.Session, supervisor,
		window.WithBus(bus), window.WithDebugLogger(debug))
	bps := breakpoint.NewManager(db, sched,
		breakpoint.WithBus(bus), breakpoint.WithDebugLogger(debug))

	workDir := project.WorkDir
	if workDir == "" {
		workDir = cwd
	}
	exec := executor.New(executor.Params{
		DB:          db,
		Agent:       agent,
		Supervisor:  supervisor,
		Windows:     windows,
		Breakpoints: bps,
		Execution:   cfg.Execution,
		Thresholds:  cfg.Decision.Thresholds,
		Timeouts:    cfg.Timeouts,
		Bus:         bus,
		Debug:       debug,
		WorkDir:     workDir,
	})

	maxParallel := cfg.Runner.MaxParallel
	if runParallel > 0 {
		maxParallel = runParallel
	}
	r := runner.New(runner.Params{
		DB:          db,
		Scheduler:   sched,
		Executor:    exec,
		Windows:     windows,
		Agent:       agent,
		Debug:       debug,
		MaxParallel: maxParallel,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopEcho := echoEvents(bus)
	defer stopEcho()

	fmt.Printf("Running project %q (parallel=%d)\n", project.Name, maxParallel)
	stats, err := r.Run(ctx, project.ID)

	fmt.Printf("\nRun finished: %d completed, %d failed, %d blocked",
		stats.Completed, stats.Failed, stats.Blocked)
	if stats.Recovered > 0 {
		fmt.Printf(", %d recovered", stats.Recovered)
	}
	fmt.Println()
	if stats.Blocked > 0 {
		fmt.Println("Blocked tasks are waiting on breakpoints; see 'loom breakpoints'.")
	}
	return err
}

// echoEvents prints the run's progress from the event bus.
func echoEvents(bus *events.Bus) func() {
	ch, cancel := bus.Subscribe(64)
	done := make(chan struct{})

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	go func() {
		defer close(done)
		for e := range ch {
			switch e.Type {
			case events.EventTaskStateChanged:
				label := e.To
				switch e.To {
				case "completed":
					label = green(e.To)
				case "failed", "cancelled":
					label = red(e.To)
				case "blocked", "retrying":
					label = yellow(e.To)
				}
				fmt.Printf("  task %d: %s -> %s (%s)\n", e.TaskID, e.From, label, e.Reason)
			case events.EventSessionRefreshed:
				fmt.Printf("  session %s refreshed\n", e.SessionID)
			case events.EventBreakpointRaised:
				fmt.Printf("  %s: task %d paused: %s\n", yellow("breakpoint"), e.TaskID, e.Reason)
			case events.EventMilestoneAchieved:
				fmt.Printf("  %s: project %d\n", green("milestone achieved"), e.ProjectID)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
