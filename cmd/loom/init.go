package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/models"
)

var initName string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a loom project in the current directory",
	Long: `Create the .loom/state.db database and register a project.

The project name defaults to the directory name. Work items are added
afterwards with 'loom plan apply'.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "project name (defaults to the directory name)")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	name := initName
	if name == "" {
		name = filepath.Base(cwd)
	}

	db, err := store.Open(store.ProjectDBPath(cwd))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	err = db.Update(func(tx *store.Tx) error {
		if _, err := tx.GetProjectByName(name); err == nil {
			return fmt.Errorf("project %q already exists", name)
		}
		return tx.CreateProject(&models.Project{
			Name:    name,
			WorkDir: cwd,
			Status:  models.ProjectActive,
		})
	})
	if err != nil {
		return err
	}

	fmt.Printf("Initialized project %q in %s\n", name, store.ProjectDBPath(cwd))
	return nil
}
