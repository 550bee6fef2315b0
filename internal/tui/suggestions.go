package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "review", "execution"
}

var commandSuggestions = []SuggestionItem{
	{Text: "approve", Description: "Approve a review item: approve <id> [rationale]", Type: "command"},
	{Text: "reject", Description: "Reject a review item: reject <id> [rationale]", Type: "command"},
	{Text: "advance", Description: "Advance the stage: advance <stage> [confirm]", Type: "command"},
	{Text: "exec-approve", Description: "Approve an execution request", Type: "command"},
	{Text: "exec-reject", Description: "Reject an execution request", Type: "command"},
	{Text: "execute", Description: "Run an approved execution request", Type: "command"},
	{Text: "refresh", Description: "Fetch everything now", Type: "command"},
	{Text: "quit", Description: "Leave the dashboard", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{
		items: commandSuggestions,
	}
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	if input == "" {
		s.visible = false
		s.filtered = nil
		s.prefix = ""
		return
	}

	if input[0] == '/' {
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
		return
	}
	if ref, ok := lastReference(input); ok {
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
		s.visible = true
		s.filter(strings.ToLower(ref))
		return
	}
	s.visible = false
	s.filtered = nil
	s.prefix = ""
}

// lastReference returns the text after "@" when the word being typed is a
// reference.
func lastReference(input string) (string, bool) {
	word := input[strings.LastIndex(input, " ")+1:]
	if !strings.HasPrefix(word, "@") {
		return "", false
	}
	return word[1:], true
}

// ReplaceReference substitutes the reference being typed in input with id.
func ReplaceReference(input, id string) string {
	return input[:strings.LastIndex(input, " ")+1] + id + " "
}

// SetReferences replaces the @ suggestions with open review items and
// execution requests.
func (s *Suggestions) SetReferences(reviews, executions []SuggestionItem) {
	if s.prefix != "@" {
		return
	}
	s.items = append(append([]SuggestionItem{}, reviews...), executions...)
	ref, _ := lastReference(s.currentInput)
	s.filter(strings.ToLower(ref))
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}

	s.filtered = []SuggestionItem{}
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	suggestionStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(width - 4)

	selectedStyle := lipgloss.NewStyle().
		Background(primaryColor).
		Foreground(fgColor).
		Bold(true)

	itemStyle := lipgloss.NewStyle().
		Foreground(fgColor)

	descStyle := lipgloss.NewStyle().
		Foreground(mutedColor).
		Italic(true)

	header := "Commands"
	if s.prefix == "@" {
		header = "References"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			more := len(s.filtered) - maxVisible
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", more)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = selectedStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + selectedStyle.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return suggestionStyle.Render(b.String())
}
