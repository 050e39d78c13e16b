package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/okapi-labs/nerve/internal/coordinator"
	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/pkg/models"
)

var submitCmd = &cobra.Command{
	Use:   "submit <request>",
	Short: "Submit a request as a pending task",
	Long: `Classify a request and persist it as a pending task. A running
'nerve run' instance sharing the same database picks it up on its next
dispatch tick.

Prefix with "urgent:", "high:", or "low:" to override the classified
priority.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	db, err := store.Open(store.ProjectDBPath(cwd))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	class, err := coordinator.KeywordClassify(cmd.Context(), request)
	if err != nil {
		return fmt.Errorf("classify request: %w", err)
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:            uuid.New().String(),
		Type:          class.TaskType,
		Data:          map[string]any{"message": request},
		Status:        models.TaskStatusPending,
		Priority:      class.Priority,
		Interaction:   class.Interaction,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxRetries:    cfg.Coordinator.MaxRetries,
	}
	if err := db.CreateTask(task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	fmt.Printf("%s task %s\n", color.GreenString("✓ submitted"), task.ID)
	fmt.Printf("  type: %s  priority: %s\n", task.Type, task.Priority)
	return nil
}
