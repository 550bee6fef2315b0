package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/snapshot"
)

func renderOverview(s *snapshot.Snapshot) string {
	if s == nil {
		return "\n  Waiting for the first snapshot...\n"
	}
	var b strings.Builder

	stageLine := fmt.Sprintf("  %s (seq %d) for %s", s.Stage.Current, s.Stage.Seq,
		formatDuration(time.Duration(s.Stage.AgeSeconds*float64(time.Second))))
	if s.Stage.Stuck {
		stageLine += "  " + lipgloss.NewStyle().Foreground(warningColor).Render("STUCK")
	}
	b.WriteString("\n" + sectionStyle.Render("  Stage") + "\n" + stageLine + "\n")

	b.WriteString("\n" + sectionStyle.Render("  Agents") + "\n")
	if len(s.Agents) == 0 {
		b.WriteString(helpStyle.Render("    none registered") + "\n")
	}
	for _, typ := range models.AgentTypes() {
		counts, ok := s.Agents[typ]
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("    %-13s %s\n", typ, formatCounts(displayCounts(counts))))
	}

	b.WriteString("\n" + sectionStyle.Render("  Artifacts") + "\n")
	b.WriteString("    " + formatCounts(s.Artifacts) + "\n")

	b.WriteString("\n" + sectionStyle.Render("  Pending") + "\n")
	if len(s.PendingReviews) == 0 {
		b.WriteString("    reviews: 0\n")
	} else {
		b.WriteString("    reviews: " + formatCounts(s.PendingReviews) + "\n")
	}
	b.WriteString(fmt.Sprintf("    executions: %d\n", s.PendingExecutions))

	if len(s.KPIs) > 0 {
		b.WriteString("\n" + sectionStyle.Render("  KPIs") + "\n")
		for _, name := range sortedKeys(s.KPIs) {
			b.WriteString(fmt.Sprintf("    %-26s %.3f\n", name, s.KPIs[name]))
		}
	}

	var raised []string
	for _, name := range sortedKeys(s.Risks) {
		if s.Risks[name] {
			raised = append(raised, name)
		}
	}
	b.WriteString("\n" + sectionStyle.Render("  Risks") + "\n")
	if len(raised) == 0 {
		b.WriteString("    " + lipgloss.NewStyle().Foreground(successColor).Render("none") + "\n")
	} else {
		b.WriteString("    " + lipgloss.NewStyle().Foreground(errorColor).Render(strings.Join(raised, ", ")) + "\n")
	}
	if len(s.StaleSources) > 0 {
		b.WriteString("    " + lipgloss.NewStyle().Foreground(warningColor).
			Render("stale sources: "+strings.Join(s.StaleSources, ", ")) + "\n")
	}
	return b.String()
}

func renderReviews(items []models.ReviewItem, selected, height int) string {
	if len(items) == 0 {
		return "\n  No open review items.\n"
	}
	lines := make([]string, len(items))
	for i, it := range items {
		age := formatDuration(time.Since(it.SubmittedAt))
		text := fmt.Sprintf("%s  %-12s %-24s %s", shortID(it.ID), it.GateID, it.ArtifactID, age)
		if i == selected {
			lines[i] = selectedStyle.Render("▶ " + text)
		} else {
			lines[i] = itemStyle.Render("  " + text)
		}
	}
	return "\n" + strings.Join(window(lines, selected, height), "\n") +
		"\n\n  " + helpStyle.Render("Enter: prefill approve | approve <id> [rationale] | reject <id> [rationale]") + "\n"
}

func renderAgents(agents []lifecycle.View, selected, height int) string {
	if len(agents) == 0 {
		return "\n  No agents registered.\n"
	}
	lines := make([]string, len(agents))
	for i, a := range agents {
		status := formatAgentStatus(a.Display)
		text := fmt.Sprintf("%-20s %-13s %s", a.ID, a.Type, status)
		if a.StatusReason != "" {
			text += "  " + helpStyle.Render(a.StatusReason)
		}
		if i == selected {
			lines[i] = selectedStyle.Render("▶ " + fmt.Sprintf("%-20s %-13s %s", a.ID, a.Type, a.Display))
		} else {
			lines[i] = itemStyle.Render("  " + text)
		}
	}
	return "\n" + strings.Join(window(lines, selected, height), "\n") + "\n"
}

func renderExecutions(reqs []models.ExecutionRequest, selected, height int) string {
	if len(reqs) == 0 {
		return "\n  No execution requests awaiting action.\n"
	}
	lines := make([]string, len(reqs))
	for i, e := range reqs {
		mode := "live"
		if e.DryRun {
			mode = "dry-run"
		}
		text := fmt.Sprintf("%s  %-10s %-12s %-24s %s", shortID(e.ID), e.Approval, e.Channel, e.PayloadRef, mode)
		if i == selected {
			lines[i] = selectedStyle.Render("▶ " + text)
		} else {
			lines[i] = itemStyle.Render("  " + text)
		}
	}
	return "\n" + strings.Join(window(lines, selected, height), "\n") +
		"\n\n  " + helpStyle.Render("Enter: prefill next step | exec-approve <id> | exec-reject <id> | execute <id>") + "\n"
}

func formatAgentStatus(st models.DisplayStatus) string {
	style := lipgloss.NewStyle()
	switch st {
	case models.DisplayStatus(models.AgentStatusRunning):
		style = style.Foreground(successColor)
	case models.DisplayStatus(models.AgentStatusWaitingReview):
		style = style.Foreground(secondaryColor)
	case models.DisplayStatus(models.AgentStatusBlocked), models.DisplayStale:
		style = style.Foreground(errorColor)
	case models.DisplayStatus(models.AgentStatusRetired):
		style = style.Foreground(mutedColor)
	default:
		style = style.Foreground(warningColor)
	}
	return style.Render(string(st))
}

// window keeps the selected line visible within height lines.
func window(lines []string, selected, height int) []string {
	if len(lines) <= height {
		return lines
	}
	start := selected - height/2
	if start < 0 {
		start = 0
	}
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

func displayCounts(in map[models.DisplayStatus]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(counts))
	for _, k := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
