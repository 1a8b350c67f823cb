package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/plan"
	"github.com/loomctl/loom/internal/scheduler"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/work"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate and apply declarative work plans",
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a plan file without writing anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pf, err := plan.Load(args[0])
		if err != nil {
			return err
		}
		tasks := 0
		for _, e := range pf.Epics {
			for _, st := range e.Stories {
				tasks += len(st.Tasks)
				for _, t := range st.Tasks {
					tasks += len(t.Subtasks)
				}
			}
		}
		fmt.Printf("Plan %q is valid: %d epics, %d milestones, %d executable tasks\n",
			pf.Project.Name, len(pf.Epics), len(pf.Milestones), tasks)
		return nil
	},
}

var planApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Apply a plan, creating work items and queueing tasks",
	Long: `Apply a validated plan to the project database. Epics, stories,
tasks, and milestones are created; tasks with no dependencies enter the
queue as ready. Re-applying the same plan changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanApply,
}

func init() {
	planCmd.AddCommand(planValidateCmd)
	planCmd.AddCommand(planApplyCmd)
}

func runPlanApply(cmd *cobra.Command, args []string) error {
	pf, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	db, err := store.Open(store.ProjectDBPath(cwd))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	debug := logging.NewDebugLoggerForProject(cwd)
	defer debug.Close()

	sched := scheduler.New(db, cfg.Scheduler.Retry, scheduler.WithDebugLogger(debug))
	defer sched.Stop()
	works := work.NewService(db, work.WithDebugLogger(debug))

	res, err := plan.NewApplier(db, works, sched, debug).Apply(pf)
	if err != nil {
		return err
	}

	fmt.Printf("Applied %s: project %q (#%d)\n", filepath.Base(args[0]), pf.Project.Name, res.ProjectID)
	fmt.Printf("  %d epics, %d stories, %d tasks, %d milestones\n",
		len(res.Epics), len(res.Stories), len(res.Tasks), len(res.Milestones))
	return nil
}
