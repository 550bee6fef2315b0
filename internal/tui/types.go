package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/snapshot"
)

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type dataLoadedMsg struct {
	at         time.Time
	online     bool
	err        error
	snap       *snapshot.Snapshot
	agents     []lifecycle.View
	reviews    []models.ReviewItem
	executions []models.ExecutionRequest
}

type tickMsg time.Time

// resolveReview finds the review item whose id is ref or starts with it.
func resolveReview(items []models.ReviewItem, ref string) (*models.ReviewItem, error) {
	var match *models.ReviewItem
	for i := range items {
		if items[i].ID == ref {
			return &items[i], nil
		}
		if strings.HasPrefix(items[i].ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("review %q is ambiguous", ref)
			}
			match = &items[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no open review item %q", ref)
	}
	return match, nil
}

// resolveExecution finds the execution request whose id is ref or starts
// with it.
func resolveExecution(reqs []models.ExecutionRequest, ref string) (*models.ExecutionRequest, error) {
	var match *models.ExecutionRequest
	for i := range reqs {
		if reqs[i].ID == ref {
			return &reqs[i], nil
		}
		if strings.HasPrefix(reqs[i].ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("execution %q is ambiguous", ref)
			}
			match = &reqs[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no open execution request %q", ref)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
