package coordinator

import (
	"context"
	"strings"

	"github.com/okapi-labs/nerve/pkg/models"
)

// Classification is the routing decision for a submitted request.
type Classification struct {
	// TaskType selects the timeout base and decomposition path.
	TaskType string
	// Priority orders the task against everything else pending.
	Priority models.TaskPriority
	// Interaction captures how closely a human is waiting.
	Interaction models.InteractionLevel
}

// Classify maps a free-form request to a task classification. The
// coordinator accepts an external implementation; the keyword classifier
// below is the default.
type Classify func(ctx context.Context, request string) (Classification, error)

// typeKeywords maps trigger words to task types, checked in order so
// more specific types win over generic ones.
var typeKeywords = []struct {
	taskType string
	words    []string
}{
	{"computation", []string{"compute", "calculate", "sum", "total", "count", "math"}},
	{"analysis", []string{"analyze", "analyse", "investigate", "report", "summarize", "review"}},
	{"maintenance", []string{"cleanup", "clean", "purge", "rotate", "compact", "vacuum"}},
	{"query", []string{"find", "search", "lookup", "list", "show", "get", "fetch"}},
}

// urgencyKeywords raise priority when present anywhere in the request.
var urgencyKeywords = map[string]models.TaskPriority{
	"urgent":      models.PriorityUrgent,
	"emergency":   models.PriorityUrgent,
	"immediately": models.PriorityUrgent,
	"asap":        models.PriorityUrgent,
	"important":   models.PriorityHigh,
	"soon":        models.PriorityHigh,
	"whenever":    models.PriorityLow,
	"eventually":  models.PriorityLow,
	"background":  models.PriorityLow,
}

// KeywordClassify is the default classifier: keyword scan for type and
// urgency, with conversation as the fallback type. An explicit
// "urgent:" or "low:" prefix overrides keyword urgency.
func KeywordClassify(ctx context.Context, request string) (Classification, error) {
	lowered := strings.ToLower(strings.TrimSpace(request))

	c := Classification{
		TaskType:    "conversation",
		Priority:    models.PriorityNormal,
		Interaction: models.InteractionHigh,
	}

	for prefix, p := range map[string]models.TaskPriority{
		"urgent:": models.PriorityUrgent,
		"high:":   models.PriorityHigh,
		"low:":    models.PriorityLow,
	} {
		if strings.HasPrefix(lowered, prefix) {
			c.Priority = p
			lowered = strings.TrimSpace(strings.TrimPrefix(lowered, prefix))
			break
		}
	}

	words := strings.Fields(lowered)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[strings.Trim(w, ",.!?;:")] = true
	}

	for _, tk := range typeKeywords {
		for _, w := range tk.words {
			if wordSet[w] {
				c.TaskType = tk.taskType
				break
			}
		}
		if c.TaskType != "conversation" {
			break
		}
	}

	if c.Priority == models.PriorityNormal {
		for w, p := range urgencyKeywords {
			if wordSet[w] {
				c.Priority = p
				break
			}
		}
	}

	// Background work has nobody waiting on it.
	if c.TaskType == "maintenance" || c.Priority == models.PriorityLow {
		c.Interaction = models.InteractionNone
	} else if c.TaskType == "analysis" {
		c.Interaction = models.InteractionLow
	}

	return c, nil
}
