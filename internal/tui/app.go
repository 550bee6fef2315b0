// Package tui provides the operator dashboard for lexgate.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/snapshot"
)

// DefaultInterval is how often the dashboard refetches.
const DefaultInterval = 2 * time.Second

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeOverview   = "overview"
	modeReviews    = "reviews"
	modeAgents     = "agents"
	modeExecutions = "executions"
)

var modes = []string{modeOverview, modeReviews, modeAgents, modeExecutions}

// App is the main TUI application model.
type App struct {
	client       *Client
	interval     time.Duration
	mode         string
	snap         *snapshot.Snapshot
	agents       []lifecycle.View
	reviews      []models.ReviewItem
	executions   []models.ExecutionRequest
	selectedIdx  int
	input        textinput.Model
	width        int
	height       int
	message      string
	daemonOnline bool
	lastFetch    time.Time
	suggestions  *Suggestions
}

// New creates a new dashboard. A non-positive interval uses DefaultInterval.
func New(client *Client, interval time.Duration) *App {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ti := textinput.New()
	ti.Placeholder = "Type: approve <id> | reject <id> | advance <stage> | execute <id> | / for commands, @ for ids"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      client,
		interval:    interval,
		mode:        modeOverview,
		input:       ti,
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchAll(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			a.input.SetValue("")
			a.suggestions.Update("")
			a.message = ""
			return a, nil

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else if a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else if a.selectedIdx < a.listLen()-1 {
				a.selectedIdx++
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			a.mode = nextMode(a.mode)
			a.selectedIdx = 0
			return a, nil

		case "ctrl+r":
			return a, a.fetchAll()

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			input := strings.TrimSpace(a.input.Value())
			if input == "" {
				// Prefill for the selected row; a second Enter runs it.
				if cmd := a.defaultCommand(); cmd != "" {
					a.input.SetValue(cmd + " ")
					a.input.CursorEnd()
				}
				return a, nil
			}
			a.input.SetValue("")
			return a, a.executeCommand(input)
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case dataLoadedMsg:
		a.daemonOnline = msg.online
		a.lastFetch = msg.at
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		}
		if msg.online {
			a.snap = msg.snap
			a.agents = msg.agents
			a.reviews = msg.reviews
			a.executions = msg.executions
		}
		if n := a.listLen(); a.selectedIdx >= n {
			a.selectedIdx = max(0, n-1)
		}
		cmds = append(cmds, a.tickCmd())

	case tickMsg:
		return a, a.fetchAll()

	case commandResultMsg:
		a.message = msg.message
		return a, a.fetchAll()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	a.suggestions.SetReferences(a.reviewRefs(), a.executionRefs())

	return a, tea.Batch(cmds...)
}

func (a *App) acceptSuggestion() {
	selected := a.suggestions.Selected()
	if selected == nil {
		return
	}
	value := selected.Text + " "
	if selected.Type != "command" {
		value = ReplaceReference(a.input.Value(), selected.Text)
	}
	a.input.SetValue(value)
	a.input.CursorEnd()
	a.suggestions.Update("")
}

// defaultCommand is the command suggested for the selected row.
func (a *App) defaultCommand() string {
	switch a.mode {
	case modeReviews:
		if a.selectedIdx < len(a.reviews) {
			return "approve " + a.reviews[a.selectedIdx].ID
		}
	case modeExecutions:
		pending := a.pendingExecutions()
		if a.selectedIdx < len(pending) {
			e := pending[a.selectedIdx]
			if e.Approval == models.DecisionApproved {
				return "execute " + e.ID
			}
			return "exec-approve " + e.ID
		}
	}
	return ""
}

func (a *App) listLen() int {
	switch a.mode {
	case modeReviews:
		return len(a.reviews)
	case modeAgents:
		return len(a.agents)
	case modeExecutions:
		return len(a.pendingExecutions())
	}
	return 0
}

// pendingExecutions returns requests that still need a decision or a run.
func (a *App) pendingExecutions() []models.ExecutionRequest {
	var out []models.ExecutionRequest
	for _, e := range a.executions {
		if e.Approval == models.DecisionPending ||
			(e.Approval == models.DecisionApproved && e.Result == models.ExecutionNotRun) {
			out = append(out, e)
		}
	}
	return out
}

func (a *App) reviewRefs() []SuggestionItem {
	items := make([]SuggestionItem, len(a.reviews))
	for i, r := range a.reviews {
		items[i] = SuggestionItem{
			Text:        r.ID,
			Description: fmt.Sprintf("%s in %s", r.ArtifactID, r.GateID),
			Type:        "review",
		}
	}
	return items
}

func (a *App) executionRefs() []SuggestionItem {
	pending := a.pendingExecutions()
	items := make([]SuggestionItem, len(pending))
	for i, e := range pending {
		items[i] = SuggestionItem{
			Text:        e.ID,
			Description: fmt.Sprintf("%s via %s (%s)", e.PayloadRef, e.Channel, e.Approval),
			Type:        "execution",
		}
	}
	return items
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("LEXGATE Control Plane")
	header += "  " + daemonStatus
	if a.snap != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(string(a.snap.Stage.Current))
	}
	header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render(a.client.Actor())

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")
	b.WriteString(a.renderTabs() + "\n")

	contentHeight := a.height - 9
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeOverview:
		b.WriteString(renderOverview(a.snap))
	case modeReviews:
		b.WriteString(renderReviews(a.reviews, a.selectedIdx, contentHeight))
	case modeAgents:
		b.WriteString(renderAgents(a.agents, a.selectedIdx, contentHeight))
	case modeExecutions:
		b.WriteString(renderExecutions(a.pendingExecutions(), a.selectedIdx, contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	updated := "never"
	if !a.lastFetch.IsZero() {
		updated = a.lastFetch.Format("15:04:05")
	}
	status := fmt.Sprintf(" Updated %s every %s | Tab:view | ↑↓:nav | Enter:act | Ctrl+R:refresh | Ctrl+C:quit", updated, a.interval)
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderTabs() string {
	var tabs []string
	for _, m := range modes {
		label := strings.ToUpper(m)
		switch m {
		case modeReviews:
			label = fmt.Sprintf("%s (%d)", label, len(a.reviews))
		case modeExecutions:
			label = fmt.Sprintf("%s (%d)", label, len(a.pendingExecutions()))
		}
		if m == a.mode {
			tabs = append(tabs, selectedStyle.Render(label))
		} else {
			tabs = append(tabs, itemStyle.Foreground(mutedColor).Render(label))
		}
	}
	return strings.Join(tabs, " ")
}

func nextMode(current string) string {
	for i, m := range modes {
		if m == current {
			return modes[(i+1)%len(modes)]
		}
	}
	return modeOverview
}

func (a *App) fetchAll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		return a.load(ctx)
	}
}

func (a *App) load(ctx context.Context) dataLoadedMsg {
	msg := dataLoadedMsg{at: time.Now()}
	if _, err := a.client.Health(ctx); err != nil {
		msg.err = err
		return msg
	}
	msg.online = true

	var err error
	if msg.snap, err = a.client.Snapshot(ctx); err != nil {
		msg.err = err
	}
	if msg.agents, err = a.client.Agents(ctx); err != nil && msg.err == nil {
		msg.err = err
	}
	if msg.reviews, err = a.client.PendingReviews(ctx); err != nil && msg.err == nil {
		msg.err = err
	}
	if msg.executions, err = a.client.Executions(ctx, ""); err != nil && msg.err == nil {
		msg.err = err
	}
	return msg
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd := parts[0]
	args := parts[1:]
	reviews := a.reviews
	pending := a.pendingExecutions()

	if cmd == "q" || cmd == "quit" || cmd == "exit" {
		return tea.Quit
	}

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		return runCommand(ctx, a.client, cmd, args, reviews, pending)
	}
}

// runCommand executes one dashboard command against the API.
func runCommand(ctx context.Context, c *Client, cmd string, args []string, reviews []models.ReviewItem, executions []models.ExecutionRequest) tea.Msg {
	rationale := func() string {
		if len(args) > 1 {
			return strings.Join(args[1:], " ")
		}
		return ""
	}

	switch cmd {
	case "approve", "reject":
		if len(args) < 1 {
			return commandResultMsg{fmt.Sprintf("Usage: %s <review-id> [rationale]", cmd)}
		}
		item, err := resolveReview(reviews, args[0])
		if err != nil {
			return errMsg{err}
		}
		decision := models.DecisionApproved
		if cmd == "reject" {
			decision = models.DecisionRejected
		}
		if err := c.Decide(ctx, item.GateID, item.ID, decision, rationale()); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ %s %s in %s", strings.ToLower(string(decision)), item.ArtifactID, item.GateID)}

	case "advance":
		if len(args) < 1 {
			return commandResultMsg{"Usage: advance <stage> [confirm]"}
		}
		confirmed := len(args) > 1 && args[1] == "confirm"
		entry, err := c.Advance(ctx, models.Stage(strings.ToUpper(args[0])), confirmed)
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Stage %s (seq %d)", entry.Stage, entry.Seq)}

	case "exec-approve", "exec-reject":
		if len(args) < 1 {
			return commandResultMsg{fmt.Sprintf("Usage: %s <execution-id> [rationale]", cmd)}
		}
		req, err := resolveExecution(executions, args[0])
		if err != nil {
			return errMsg{err}
		}
		decision := models.DecisionApproved
		if cmd == "exec-reject" {
			decision = models.DecisionRejected
		}
		if err := c.DecideExecution(ctx, req.ID, decision, rationale()); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Execution %s %s", shortID(req.ID), strings.ToLower(string(decision)))}

	case "execute":
		if len(args) < 1 {
			return commandResultMsg{"Usage: execute <execution-id>"}
		}
		req, err := resolveExecution(executions, args[0])
		if err != nil {
			return errMsg{err}
		}
		result, err := c.Execute(ctx, req.ID)
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Execution %s %s", shortID(req.ID), result)}

	case "refresh":
		return commandResultMsg{"✓ Refreshed"}

	default:
		return commandResultMsg{fmt.Sprintf("Unknown: %s (try: approve, reject, advance, execute)", cmd)}
	}
}
