// Package tui provides the terminal monitor: a live event feed, bus
// counters, and recent task state, with an input line for submitting new
// requests without leaving the screen.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/pkg/models"
)

// maxFeedLines bounds the in-memory event feed.
const maxFeedLines = 200

// EventMsg delivers one bus event to the monitor.
type EventMsg struct {
	Event *models.Event
}

// refreshMsg carries the periodic stats and task snapshot.
type refreshMsg struct {
	stats bus.Stats
	tasks []*models.Task
}

// submitResultMsg reports the outcome of a submitted request.
type submitResultMsg struct {
	task *models.Task
	err  error
}

// tickMsg drives the refresh cadence.
type tickMsg time.Time

// Config contains the monitor's data sources.
type Config struct {
	// Bus supplies live counters.
	Bus bus.Bus
	// Store supplies recent task state.
	Store store.TaskStore
	// Submit sends a request into the coordinator. Optional; without it
	// the input line is hidden.
	Submit func(ctx context.Context, request string) (*models.Task, error)
}

// feedLine is one rendered event in the feed.
type feedLine struct {
	at    time.Time
	level models.EventLevel
	text  string
}

// Model is the bubbletea model for the monitor.
type Model struct {
	cfg Config

	events []feedLine
	stats  bus.Stats
	tasks  []*models.Task
	status string

	input    textinput.Model
	width    int
	height   int
	quitting bool
}

// NewModel creates the monitor model.
func NewModel(cfg Config) *Model {
	ti := textinput.New()
	ti.Placeholder = "type a request and press enter"
	ti.CharLimit = 200
	ti.Focus()
	return &Model{
		cfg:   cfg,
		input: ti,
	}
}

// Init starts the refresh loop and cursor blink.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.refresh(), tick())
}

// tick schedules the next refresh.
func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh snapshots bus counters and recent tasks.
func (m *Model) refresh() tea.Cmd {
	return func() tea.Msg {
		msg := refreshMsg{}
		if m.cfg.Bus != nil {
			msg.stats = m.cfg.Bus.Stats()
		}
		if m.cfg.Store != nil {
			if tasks, err := m.cfg.Store.ListRecentTasks(10); err == nil {
				msg.tasks = tasks
			}
		}
		return msg
	}
}

// submit sends the input line to the coordinator.
func (m *Model) submit(request string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		task, err := m.cfg.Submit(ctx, request)
		return submitResultMsg{task: task, err: err}
	}
}

// Update handles one message.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			request := strings.TrimSpace(m.input.Value())
			if request == "" || m.cfg.Submit == nil {
				return m, nil
			}
			m.input.Reset()
			return m, m.submit(request)
		}

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case refreshMsg:
		m.stats = msg.stats
		m.tasks = msg.tasks
		return m, nil

	case EventMsg:
		m.append(msg.Event)
		return m, nil

	case submitResultMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("submit failed: %v", msg.err)
		} else {
			m.status = fmt.Sprintf("submitted %s task %s", msg.task.Type, shortID(msg.task.ID))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// append adds an event to the feed, trimming the oldest lines.
func (m *Model) append(e *models.Event) {
	if e == nil {
		return
	}
	m.events = append(m.events, feedLine{
		at:    e.Timestamp,
		level: e.Level,
		text:  fmt.Sprintf("%s %s", e.Type, summarizeData(e.Data)),
	})
	if len(m.events) > maxFeedLines {
		m.events = m.events[len(m.events)-maxFeedLines:]
	}
}

// summarizeData renders event data compactly for the feed.
func summarizeData(data any) string {
	fields, ok := data.(map[string]any)
	if !ok || len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, key := range []string{"task_id", "task_type", "status", "error", "to", "orchestrator"} {
		if v, ok := fields[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
)

// View renders the monitor.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("nerve monitor"))
	b.WriteString("  ")
	b.WriteString(statStyle.Render(fmt.Sprintf(
		"published=%d processed=%d dropped=%d errors=%d depth=%d subs=%d",
		m.stats.Published, m.stats.Processed, m.stats.Dropped,
		m.stats.Errors, m.stats.QueueDepth, m.stats.SubscriberCount)))
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render("events"))
	b.WriteString("\n")
	feed := m.events
	if max := m.feedHeight(); len(feed) > max {
		feed = feed[len(feed)-max:]
	}
	if len(feed) == 0 {
		b.WriteString(dimStyle.Render("  waiting for events"))
		b.WriteString("\n")
	}
	for _, line := range feed {
		style := statStyle
		switch {
		case line.level >= models.LevelError:
			style = errorStyle
		case line.level == models.LevelWarning:
			style = warnStyle
		}
		b.WriteString(fmt.Sprintf("  %s %s\n",
			dimStyle.Render(line.at.Format("15:04:05")),
			style.Render(line.text)))
	}
	b.WriteString("\n")

	b.WriteString(titleStyle.Render("recent tasks"))
	b.WriteString("\n")
	if len(m.tasks) == 0 {
		b.WriteString(dimStyle.Render("  none"))
		b.WriteString("\n")
	}
	for _, t := range m.tasks {
		style := statStyle
		switch t.Status {
		case models.TaskStatusFailed, models.TaskStatusTimeout:
			style = errorStyle
		case models.TaskStatusCompleted:
			style = statusStyle
		}
		b.WriteString(fmt.Sprintf("  %s  %-12s %-8s %s\n",
			dimStyle.Render(shortID(t.ID)), t.Type, t.Priority.String(),
			style.Render(string(t.Status))))
	}
	b.WriteString("\n")

	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}
	if m.cfg.Submit != nil {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("enter: submit  esc: quit"))
	b.WriteString("\n")

	return b.String()
}

// feedHeight bounds the feed to the space the terminal gives us.
func (m *Model) feedHeight() int {
	if m.height <= 0 {
		return 15
	}
	h := m.height - 12
	if h < 3 {
		h = 3
	}
	return h
}

// shortID trims a UUID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run wires the monitor to the bus and blocks until the user quits. The
// wildcard subscription is removed on the way out.
func Run(ctx context.Context, cfg Config) error {
	m := NewModel(cfg)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	var subID string
	if cfg.Bus != nil {
		subID = cfg.Bus.Subscribe(bus.TypeWildcard, func(e *models.Event) error {
			p.Send(EventMsg{Event: e})
			return nil
		}, bus.Broadcast, nil)
		defer cfg.Bus.Unsubscribe(subID)
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}
