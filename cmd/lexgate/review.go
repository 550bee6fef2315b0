package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the human review gates",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE:  runReviewList,
}

var reviewShowCmd = &cobra.Command{
	Use:   "show [review-id]",
	Short: "Show a review item",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewShow,
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit [artifact-id]",
	Short: "Queue an artifact for review at a gate",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewSubmit,
}

var reviewDecideCmd = &cobra.Command{
	Use:   "decide [review-id] [APPROVED|REJECTED]",
	Short: "Record a decision on a review item",
	Args:  cobra.ExactArgs(2),
	RunE:  runReviewDecide,
}

var reviewBatchCmd = &cobra.Command{
	Use:   "batch [APPROVED|REJECTED] [review-id...]",
	Short: "Apply one decision to several review items",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runReviewBatch,
}

var (
	reviewGate string
	rationale  string
	showAll    bool
)

func init() {
	reviewCmd.AddCommand(reviewListCmd, reviewShowCmd, reviewSubmitCmd, reviewDecideCmd, reviewBatchCmd)

	reviewListCmd.Flags().StringVar(&reviewGate, "gate", "", "Filter by gate")
	reviewListCmd.Flags().BoolVar(&showAll, "all", false, "Include decided items")

	reviewSubmitCmd.Flags().StringVar(&reviewGate, "gate", "", "Review gate (required)")
	reviewSubmitCmd.MarkFlagRequired("gate")

	reviewDecideCmd.Flags().StringVar(&reviewGate, "gate", "", "Gate the decision is made at (required)")
	reviewDecideCmd.Flags().StringVar(&rationale, "rationale", "", "Rationale recorded with the decision")
	reviewDecideCmd.MarkFlagRequired("gate")

	reviewBatchCmd.Flags().StringVar(&reviewGate, "gate", "", "Gate the decision is made at (required)")
	reviewBatchCmd.Flags().StringVar(&rationale, "rationale", "", "Rationale recorded with every decision")
	reviewBatchCmd.MarkFlagRequired("gate")
}

func runReviewList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if reviewGate != "" {
		q.Set("gate", reviewGate)
	}
	if showAll {
		q.Set("pending", "false")
	}
	path := "/reviews"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var items []models.ReviewItem
	if err := json.Unmarshal(resp, &items); err != nil {
		return err
	}

	if len(items) == 0 {
		fmt.Println("No review items found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGATE\tARTIFACT\tDECISION\tSUBMITTED\tACTOR")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ID, it.GateID, it.ArtifactID, it.Decision, it.SubmittedAt.Local().Format(time.DateTime), it.Actor)
	}
	return w.Flush()
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/reviews/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runReviewSubmit(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/reviews", map[string]string{
		"gate":        reviewGate,
		"artifact_id": args[0],
	})
	if err != nil {
		return err
	}

	var it models.ReviewItem
	if err := json.Unmarshal(resp, &it); err != nil {
		return err
	}
	fmt.Printf("Queued %s at gate %s: %s\n", it.ArtifactID, it.GateID, it.ID)
	return nil
}

func runReviewDecide(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/reviews/"+url.PathEscape(args[0])+"/decide", map[string]string{
		"gate":      reviewGate,
		"decision":  strings.ToUpper(args[1]),
		"actor":     actor,
		"rationale": rationale,
	})
	if err != nil {
		return err
	}

	var res struct {
		Item     models.ReviewItem `json:"item"`
		Artifact models.Artifact   `json:"artifact"`
	}
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Printf("%s %s; artifact %s is now %s\n", res.Item.ID, res.Item.Decision, res.Artifact.ID, res.Artifact.Status)
	return nil
}

func runReviewBatch(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/reviews/batch", map[string]any{
		"gate":      reviewGate,
		"ids":       args[1:],
		"decision":  strings.ToUpper(args[0]),
		"actor":     actor,
		"rationale": rationale,
	})
	if err != nil {
		return err
	}

	var res review.BatchResult
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}
	fmt.Printf("Batch %s: %d applied, %d failed\n", res.BatchID, res.Applied, res.Failed)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, it := range res.Items {
		status := "ok"
		if it.Error != "" {
			status = it.Error
		}
		fmt.Fprintf(w, "  %s\t%s\n", it.ReviewID, status)
	}
	return w.Flush()
}
