package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/breakpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

var (
	resolveCancel bool
	resolveNote   string
)

var breakpointsCmd = &cobra.Command{
	Use:   "breakpoints",
	Short: "List open breakpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		project, err := resolveProject(db)
		if err != nil {
			return err
		}

		var open []*models.Breakpoint
		err = db.View(func(tx *store.Tx) error {
			items, err := tx.ListWorkItemsByStatus(project.ID, models.StatusBlocked)
			if err != nil {
				return err
			}
			for _, item := range items {
				bps, err := tx.OpenBreakpoints(item.ID)
				if err != nil {
					return err
				}
				open = append(open, bps...)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(open) == 0 {
			fmt.Println("No open breakpoints.")
			return nil
		}
		for _, bp := range open {
			fmt.Printf("#%d task %d: %s (%s ago)\n",
				bp.ID, bp.TaskID, bp.Reason, formatDuration(time.Since(bp.CreatedAt)))
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <breakpoint-id>",
	Short: "Resolve a breakpoint and unblock or cancel its task",
	Long: `Resolve an open breakpoint. By default the blocked task returns
to the queue; --cancel terminates it instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveCancel, "cancel", false, "cancel the task instead of resuming it")
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "resolution note recorded on the breakpoint")
}

func runResolve(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid breakpoint id %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cwd, _ := os.Getwd()
	debug := logging.NewDebugLoggerForProject(cwd)
	defer debug.Close()

	sched := scheduler.New(db, cfg.Scheduler.Retry, scheduler.WithDebugLogger(debug))
	defer sched.Stop()
	bps := breakpoint.NewManager(db, sched, breakpoint.WithDebugLogger(debug))

	disposition := breakpoint.Continue
	if resolveCancel {
		disposition = breakpoint.CancelTask
	}
	if err := bps.Resolve(id, resolveNote, disposition); err != nil {
		return err
	}

	if resolveCancel {
		fmt.Printf("Breakpoint #%d resolved; task cancelled.\n", id)
	} else {
		fmt.Printf("Breakpoint #%d resolved; task returned to the queue.\n", id)
	}
	return nil
}
