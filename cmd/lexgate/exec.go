package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/lexgate/internal/execgate"
	"github.com/fentz26/lexgate/internal/models"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Request, approve and run external actions",
}

var execRequestCmd = &cobra.Command{
	Use:   "request [payload-ref]",
	Short: "Create an execution request",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecRequest,
}

var execListCmd = &cobra.Command{
	Use:   "list",
	Short: "List execution requests",
	RunE:  runExecList,
}

var execShowCmd = &cobra.Command{
	Use:   "show [request-id]",
	Short: "Show an execution request",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecShow,
}

var execApproveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve an execution request",
	Args:  cobra.ExactArgs(1),
	RunE:  execDecision("approve"),
}

var execRejectCmd = &cobra.Command{
	Use:   "reject [request-id]",
	Short: "Reject an execution request",
	Args:  cobra.ExactArgs(1),
	RunE:  execDecision("reject"),
}

var execRunCmd = &cobra.Command{
	Use:   "run [request-id]",
	Short: "Run an approved execution request",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecRun,
}

var (
	execChannel  string
	execPayload  string
	execLive     bool
	execApproval string
)

func init() {
	execCmd.AddCommand(execRequestCmd, execListCmd, execShowCmd, execApproveCmd, execRejectCmd, execRunCmd)

	execRequestCmd.Flags().StringVar(&execChannel, "channel", "noop", "Delivery channel")
	execRequestCmd.Flags().StringVar(&execPayload, "payload", "", "Payload handed to the channel")
	execRequestCmd.Flags().BoolVar(&execLive, "live", false, "Deliver for real instead of a dry run")

	execListCmd.Flags().StringVar(&execApproval, "approval", "", "Filter by approval (PENDING, APPROVED, REJECTED)")

	execApproveCmd.Flags().StringVar(&rationale, "rationale", "", "Rationale recorded with the decision")
	execRejectCmd.Flags().StringVar(&rationale, "rationale", "", "Rationale recorded with the decision")
}

func runExecRequest(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/executions", execgate.RequestInput{
		Channel:     execChannel,
		PayloadRef:  args[0],
		Payload:     execPayload,
		DryRun:      !execLive,
		RequestedBy: actor,
	})
	if err != nil {
		return err
	}

	var r models.ExecutionRequest
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	mode := "live"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Printf("Created execution request: %s (%s via %s, %s)\n", r.ID, r.PayloadRef, r.Channel, mode)
	return nil
}

func runExecList(cmd *cobra.Command, args []string) error {
	path := "/executions"
	if execApproval != "" {
		path += "?approval=" + url.QueryEscape(strings.ToUpper(execApproval))
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var reqs []models.ExecutionRequest
	if err := json.Unmarshal(resp, &reqs); err != nil {
		return err
	}

	if len(reqs) == 0 {
		fmt.Println("No execution requests found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tPAYLOAD\tDRY RUN\tAPPROVAL\tRESULT")
	for _, r := range reqs {
		result := string(r.Result)
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", r.ID, r.Channel, r.PayloadRef, r.DryRun, r.Approval, result)
	}
	return w.Flush()
}

func runExecShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/executions/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func execDecision(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := apiPost("/executions/"+url.PathEscape(args[0])+"/"+action, map[string]string{
			"actor":     actor,
			"rationale": rationale,
		})
		if err != nil {
			return err
		}

		var r models.ExecutionRequest
		if err := json.Unmarshal(resp, &r); err != nil {
			return err
		}
		fmt.Printf("Execution %s is %s\n", r.ID, r.Approval)
		return nil
	}
}

func runExecRun(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/executions/"+url.PathEscape(args[0])+"/execute", map[string]string{
		"actor": actor,
	})
	if err != nil {
		return err
	}

	var out execgate.Outcome
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}
	if out.Request == nil {
		return fmt.Errorf("unexpected response: %s", string(resp))
	}
	suffix := ""
	if out.Simulated {
		suffix = " (simulated)"
	}
	fmt.Printf("Execution %s: %s%s\n", out.Request.ID, out.Request.Result, suffix)
	if out.Request.ResultDetail != "" {
		fmt.Printf("  %s\n", out.Request.ResultDetail)
	}
	return nil
}
