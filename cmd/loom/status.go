package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/window"
	"github.com/loomctl/loom/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project's queue, session, and breakpoints",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	var items []*models.WorkItem
	var milestones []*models.Milestone
	var session *models.Session
	var open []*models.Breakpoint
	err = db.View(func(tx *store.Tx) error {
		var err error
		items, err = tx.ListWorkItems(project.ID)
		if err != nil {
			return err
		}
		milestones, err = tx.ListMilestones(project.ID)
		if err != nil {
			return err
		}
		session, err = tx.ActiveSession(project.ID)
		if err != nil && !errkind.IsKind(err, errkind.NotFound) {
			return err
		}
		for _, item := range items {
			if item.Status != models.StatusBlocked {
				continue
			}
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

	fmt.Printf("Project: %s\n", project.Name)
	printQueue(items)
	printSession(session, cfg)
	printMilestones(milestones)
	printBreakpoints(open)
	return nil
}

func printQueue(items []*models.WorkItem) {
	counts := make(map[models.WorkItemStatus]int)
	executable := 0
	for _, item := range items {
		if item.Type != models.TypeTask && item.Type != models.TypeSubtask {
			continue
		}
		counts[item.Status]++
		executable++
	}

	fmt.Printf("Queue: %d tasks\n", executable)
	for _, status := range []models.WorkItemStatus{
		models.StatusPending, models.StatusReady, models.StatusRunning,
		models.StatusRetrying, models.StatusBlocked,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf("  %s: %d\n", colorStatus(status), n)
		}
	}
}

func printSession(s *models.Session, cfg *config.Config) {
	if s == nil {
		fmt.Println("Session: none active")
		return
	}
	zone := window.ZoneFor(s.Utilization(), cfg.Session.ContextWindow.Zones)
	fmt.Printf("Session: %s\n", s.ID)
	fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(s.StartedAt)))
	fmt.Printf("  Window: %d / %d tokens (%.0f%%, %s)\n",
		s.Tokens.Total(), s.WindowLimit, s.Utilization()*100, colorZone(zone))
}

func printMilestones(milestones []*models.Milestone) {
	if len(milestones) == 0 {
		return
	}
	fmt.Println("Milestones:")
	for _, m := range milestones {
		label := string(m.Status)
		if m.Status == models.MilestoneAchieved {
			label = color.GreenString(label)
		}
		fmt.Printf("  %s: %s\n", m.Name, label)
	}
}

func printBreakpoints(open []*models.Breakpoint) {
	if len(open) == 0 {
		return
	}
	fmt.Printf("Open breakpoints: %d (resolve with 'loom resolve <id>')\n", len(open))
	for _, bp := range open {
		fmt.Printf("  #%d task %d: %s (%s ago)\n",
			bp.ID, bp.TaskID, bp.Reason, formatDuration(time.Since(bp.CreatedAt)))
	}
}

func colorStatus(s models.WorkItemStatus) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString(string(s))
	case models.StatusFailed, models.StatusCancelled:
		return color.RedString(string(s))
	case models.StatusBlocked, models.StatusRetrying:
		return color.YellowString(string(s))
	case models.StatusRunning:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func colorZone(z window.Zone) string {
	switch z {
	case window.ZoneGreen:
		return color.GreenString(string(z))
	case window.ZoneYellow, window.ZoneOrange:
		return color.YellowString(string(z))
	default:
		return color.RedString(string(z))
	}
}

// formatDuration renders a duration at the coarsest useful unit.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
