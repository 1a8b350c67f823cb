package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

var projectName string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Autonomous work orchestrator",
	Long: `Loom coordinates autonomous code-generation agents over a
hierarchical work model: projects own epics, stories, tasks, and
subtasks; milestones gate on completed epics.

Declare work in a YAML plan, apply it, and run. The scheduler resolves
dependencies, retries transient failures with backoff, and escalates
low-confidence results to breakpoints for human review.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectName, "project", "", "project name (defaults to the only project)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(breakpointsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)
}

// openDB opens the project-local database under the current directory.
func openDB() (*store.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	path := store.ProjectDBPath(cwd)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no loom database at %s; run 'loom init' first", path)
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// resolveProject returns the project selected by --project, or the only
// project in the database.
func resolveProject(db *store.DB) (*models.Project, error) {
	var p *models.Project
	err := db.View(func(tx *store.Tx) error {
		if projectName != "" {
			var err error
			p, err = tx.GetProjectByName(projectName)
			return err
		}
		projects, err := tx.ListProjects()
		if err != nil {
			return err
		}
		switch len(projects) {
		case 0:
			return errkind.New(errkind.NotFound, "cli", "no projects; apply a plan or run 'loom init'")
		case 1:
			p = projects[0]
			return nil
		default:
			names := make([]string, len(projects))
			for i, proj := range projects {
				names[i] = proj.Name
			}
			return errkind.New(errkind.Validation, "cli",
				"multiple projects %v; pick one with --project", names)
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
