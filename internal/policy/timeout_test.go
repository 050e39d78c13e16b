package policy

import (
	"testing"
	"time"

	"github.com/okapi-labs/nerve/pkg/models"
)

func TestEngine_Timeout(t *testing.T) {
	e := NewEngine(Config{})

	tests := []struct {
		name        string
		taskType    string
		priority    models.TaskPriority
		interaction models.InteractionLevel
		want        time.Duration
	}{
		{
			name:        "normal computation",
			taskType:    "computation",
			priority:    models.PriorityNormal,
			interaction: models.InteractionLow,
			want:        45 * time.Second,
		},
		{
			name:        "urgent computation halves the base",
			taskType:    "computation",
			priority:    models.PriorityUrgent,
			interaction: models.InteractionLow,
			want:        22500 * time.Millisecond,
		},
		{
			name:        "urgent interactive query clamps to the floor",
			taskType:    "query",
			priority:    models.PriorityUrgent,
			interaction: models.InteractionHigh,
			want:        10 * time.Second,
		},
		{
			name:        "low background maintenance scales up",
			taskType:    "maintenance",
			priority:    models.PriorityLow,
			interaction: models.InteractionNone,
			want:        234 * time.Second,
		},
		{
			name:        "unknown type uses the default base",
			taskType:    "mystery",
			priority:    models.PriorityNormal,
			interaction: models.InteractionLow,
			want:        60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Timeout(tt.taskType, tt.priority, tt.interaction)
			if got != tt.want {
				t.Errorf("Timeout(%q, %v, %v) = %v, want %v",
					tt.taskType, tt.priority, tt.interaction, got, tt.want)
			}
		})
	}
}

func TestEngine_Timeout_UrgentShorterThanLow(t *testing.T) {
	e := NewEngine(Config{})

	urgent := e.Timeout("analysis", models.PriorityUrgent, models.InteractionLow)
	low := e.Timeout("analysis", models.PriorityLow, models.InteractionLow)

	if urgent >= low {
		t.Errorf("urgent deadline %v should be shorter than low deadline %v", urgent, low)
	}
}

func TestEngine_Timeout_AlwaysWithinBounds(t *testing.T) {
	e := NewEngine(Config{})

	types := []string{"computation", "query", "conversation", "analysis", "maintenance", "unknown"}
	priorities := []models.TaskPriority{models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent}
	interactions := []models.InteractionLevel{models.InteractionNone, models.InteractionLow, models.InteractionHigh}

	for _, typ := range types {
		for _, p := range priorities {
			for _, il := range interactions {
				got := e.Timeout(typ, p, il)
				if got < 10*time.Second || got > 300*time.Second {
					t.Errorf("Timeout(%q, %v, %v) = %v, outside [10s, 300s]", typ, p, il, got)
				}
			}
		}
	}
}

func TestEngine_RetryTimeout_MonotonicAndCapped(t *testing.T) {
	e := NewEngine(Config{})

	first := e.RetryTimeout("query", models.PriorityNormal, models.InteractionLow, 0)
	if want := e.Timeout("query", models.PriorityNormal, models.InteractionLow); first != want {
		t.Fatalf("retry 0 = %v, want first-attempt deadline %v", first, want)
	}

	prev := first
	for retry := 1; retry <= 12; retry++ {
		got := e.RetryTimeout("query", models.PriorityNormal, models.InteractionLow, retry)
		if got < prev {
			t.Errorf("retry %d deadline %v decreased from %v", retry, got, prev)
		}
		if max := time.Duration(10 * float64(first)); got > max {
			t.Errorf("retry %d deadline %v exceeds cap %v", retry, got, max)
		}
		prev = got
	}

	// Deep retry counts must sit exactly on the cap.
	deep := e.RetryTimeout("query", models.PriorityNormal, models.InteractionLow, 50)
	if want := time.Duration(10 * float64(first)); deep != want {
		t.Errorf("deep retry deadline = %v, want cap %v", deep, want)
	}
}

func TestNewEngine_FillsZeroFields(t *testing.T) {
	e := NewEngine(Config{MinTimeout: 5 * time.Second})

	if e.cfg.MinTimeout != 5*time.Second {
		t.Errorf("explicit MinTimeout overwritten: %v", e.cfg.MinTimeout)
	}
	if e.cfg.MaxTimeout != 300*time.Second {
		t.Errorf("MaxTimeout default not applied: %v", e.cfg.MaxTimeout)
	}
	if e.cfg.BackoffFactor != 2.0 {
		t.Errorf("BackoffFactor default not applied: %v", e.cfg.BackoffFactor)
	}
}
