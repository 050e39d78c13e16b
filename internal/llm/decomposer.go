// Package llm provides the Anthropic-backed task decomposition
// collaborator. It is deliberately thin: one prompt, one JSON response,
// parsed into sub-tasks. Every failure is returned to the caller, which
// falls back to trivial decomposition rather than failing the task.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/okapi-labs/nerve/pkg/models"
)

const decompositionSystem = `You split a task into the smallest useful list of ordered steps.
Respond with ONLY a JSON array. Each element:
{"description": "<what the step does>", "tool": "<tool name or empty>", "depends_on": [<indexes of earlier steps>]}
Use as few steps as possible. One step is a valid answer.`

// Config contains the decomposer's settings.
type Config struct {
	// APIKey is the Anthropic API key. Falls back to ANTHROPIC_API_KEY.
	APIKey string
	// Model overrides the default model.
	Model string
	// AvailableTools lists tool names the plan may reference.
	AvailableTools []string
}

// AnthropicDecomposer asks a model to break a task into sub-tasks.
type AnthropicDecomposer struct {
	client anthropic.Client
	model  anthropic.Model
	tools  []string
}

// NewAnthropicDecomposer creates the decomposer.
func NewAnthropicDecomposer(cfg Config) *AnthropicDecomposer {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	return &AnthropicDecomposer{
		client: anthropic.NewClient(opts...),
		model:  model,
		tools:  cfg.AvailableTools,
	}
}

// Decompose produces the ordered sub-task list for a task.
func (d *AnthropicDecomposer) Decompose(ctx context.Context, task *models.Task) ([]*models.SubTask, error) {
	message, _ := task.Data["message"].(string)
	if message == "" {
		message = task.Type
	}

	prompt := fmt.Sprintf("Task type: %s\nTask: %s", task.Type, message)
	if len(d.tools) > 0 {
		prompt += "\nAvailable tools: " + strings.Join(d.tools, ", ")
	}

	resp, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: decompositionSystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decompose task %s: %w", task.ID, err)
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}

	subtasks, err := parseSubTasks(task.ID, text)
	if err != nil {
		return nil, fmt.Errorf("decompose task %s: %w", task.ID, err)
	}
	return subtasks, nil
}

// planStep is the wire shape of one decomposition step.
type planStep struct {
	Description string `json:"description"`
	Tool        string `json:"tool"`
	DependsOn   []int  `json:"depends_on"`
}

// parseSubTasks turns the model's JSON answer into sub-tasks. Markdown
// code fences around the array are tolerated; anything else is an error.
func parseSubTasks(taskID, text string) ([]*models.SubTask, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var steps []planStep
	if err := json.Unmarshal([]byte(cleaned), &steps); err != nil {
		return nil, fmt.Errorf("parse decomposition: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("parse decomposition: empty plan")
	}

	ids := make([]string, len(steps))
	for i := range steps {
		ids[i] = uuid.New().String()
	}

	subtasks := make([]*models.SubTask, len(steps))
	for i, step := range steps {
		if strings.TrimSpace(step.Description) == "" {
			return nil, fmt.Errorf("parse decomposition: step %d has no description", i)
		}
		var deps []string
		for _, idx := range step.DependsOn {
			// Steps may only depend on earlier steps.
			if idx < 0 || idx >= i {
				return nil, fmt.Errorf("parse decomposition: step %d has invalid dependency %d", i, idx)
			}
			deps = append(deps, ids[idx])
		}
		subtasks[i] = &models.SubTask{
			ID:           ids[i],
			ParentTaskID: taskID,
			Description:  strings.TrimSpace(step.Description),
			ToolName:     strings.TrimSpace(step.Tool),
			Dependencies: deps,
			Status:       models.SubTaskPending,
		}
	}
	return subtasks, nil
}
