package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent task state",
	Long: `Display recent tasks from the project database: their status,
priority, retries, and which orchestrator holds them.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := store.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		dbPath = store.GlobalDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No task database found. Run 'nerve run' to start.")
		return nil
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	tasks, err := db.ListRecentTasks(20)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet. Submit one with 'nerve submit <request>'.")
		return nil
	}

	counts, err := db.CountActiveByOrchestrator()
	if err != nil {
		return fmt.Errorf("count active tasks: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Println("Recent tasks")
	for _, t := range tasks {
		owner := t.AssignedTo
		if owner == "" {
			owner = "-"
		}
		line := fmt.Sprintf("  %-36s %-12s %-8s %-10s retries=%d owner=%s",
			t.ID, t.Type, t.Priority, t.Status, t.RetryCount, owner)
		switch t.Status {
		case models.TaskStatusCompleted:
			color.Green(line)
		case models.TaskStatusFailed, models.TaskStatusTimeout:
			color.Red(line)
		case models.TaskStatusAssigned, models.TaskStatusProcessing:
			color.Yellow(line)
		default:
			fmt.Println(line)
		}
		if t.ErrorMessage != "" {
			fmt.Printf("    %s %s: %s\n", color.RedString("error"), t.ErrorCode, t.ErrorMessage)
		}
	}

	if len(counts) > 0 {
		fmt.Println()
		bold.Println("Active by orchestrator")
		for id, n := range counts {
			fmt.Printf("  %-12s %d\n", id, n)
		}
	}
	return nil
}
