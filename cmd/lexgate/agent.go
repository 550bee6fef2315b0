package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents with their display status",
	RunE:  runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Show agent details",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register [agent-id]",
	Short: "Register an idle agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRegister,
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn [agent-id]",
	Short: "Start an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentSpawn,
}

var agentHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [agent-id]",
	Short: "Record a heartbeat",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentHeartbeat,
}

var agentReportCmd = &cobra.Command{
	Use:   "report [agent-id]",
	Short: "Report agent status and outputs",
	Long: `Report RUNNING, COMPLETED or BLOCKED for an agent.

Outputs are read as a JSON array from --outputs (a file path, or - for stdin):

  [{"artifact_id":"bill-1","requires_review":true,"status":"SPECULATIVE","gate_id":"legal"}]`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentReport,
}

var agentBlockCmd = &cobra.Command{
	Use:   "block [agent-id]",
	Short: "Block an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  agentAction("block"),
}

var agentUnblockCmd = &cobra.Command{
	Use:   "unblock [agent-id]",
	Short: "Return a blocked agent to idle",
	Args:  cobra.ExactArgs(1),
	RunE:  agentAction("unblock"),
}

var agentRetireCmd = &cobra.Command{
	Use:   "retire [agent-id]",
	Short: "Retire an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  agentAction("retire"),
}

var agentReclassifyCmd = &cobra.Command{
	Use:   "reclassify [agent-id] [status]",
	Short: "Force an agent into another status",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentReclassify,
}

var (
	agentType      string
	allowExecution bool
	agentPID       int
	agentReason    string
	reportStatus   string
	outputsPath    string
)

func init() {
	agentCmd.AddCommand(agentListCmd, agentShowCmd, agentRegisterCmd, agentSpawnCmd, agentHeartbeatCmd,
		agentReportCmd, agentBlockCmd, agentUnblockCmd, agentRetireCmd, agentReclassifyCmd)

	agentRegisterCmd.Flags().StringVar(&agentType, "type", "", "Agent type (DRAFTING, COMPLIANCE, EXECUTION, ...)")
	agentRegisterCmd.MarkFlagRequired("type")

	agentSpawnCmd.Flags().StringVar(&agentType, "type", "", "Agent type (DRAFTING, COMPLIANCE, EXECUTION, ...)")
	agentSpawnCmd.Flags().BoolVar(&allowExecution, "allow-execution", false, "Opt in to spawning an execution-class agent")
	agentSpawnCmd.Flags().IntVar(&agentPID, "pid", 0, "OS process id backing the agent")
	agentSpawnCmd.MarkFlagRequired("type")

	agentReportCmd.Flags().StringVar(&reportStatus, "status", "", "Reported status (RUNNING, COMPLETED, BLOCKED)")
	agentReportCmd.Flags().StringVar(&outputsPath, "outputs", "", "JSON file with outputs, - for stdin")
	agentReportCmd.Flags().StringVar(&agentReason, "reason", "", "Reason for a BLOCKED report")
	agentReportCmd.MarkFlagRequired("status")

	for _, c := range []*cobra.Command{agentBlockCmd, agentUnblockCmd, agentRetireCmd, agentReclassifyCmd} {
		c.Flags().StringVar(&agentReason, "reason", "", "Reason recorded in the audit trail")
	}
}

func runAgentList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents")
	if err != nil {
		return err
	}

	var agents []lifecycle.View
	if err := json.Unmarshal(resp, &agents); err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tDISPLAY\tLAST HEARTBEAT\tREASON")
	for _, a := range agents {
		hb := "-"
		if !a.LastHeartbeat.IsZero() {
			hb = a.LastHeartbeat.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Status, a.Display, hb, a.StatusReason)
	}
	return w.Flush()
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/agents/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/agents", map[string]string{
		"id":    args[0],
		"type":  strings.ToUpper(agentType),
		"actor": actor,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Registered agent: %s\n", args[0])
	return printJSON(resp)
}

func runAgentSpawn(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/agents/"+url.PathEscape(args[0])+"/spawn", map[string]any{
		"type":            strings.ToUpper(agentType),
		"allow_execution": allowExecution,
		"actor":           actor,
		"pid":             agentPID,
	})
	if err != nil {
		return err
	}

	var a models.Agent
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}
	fmt.Printf("Agent %s is %s\n", a.ID, a.Status)
	return nil
}

func runAgentHeartbeat(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/agents/"+url.PathEscape(args[0])+"/heartbeat", map[string]any{})
	if err != nil {
		return err
	}

	var a models.Agent
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}
	fmt.Printf("Heartbeat recorded for %s\n", a.ID)
	return nil
}

func runAgentReport(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"status": strings.ToUpper(reportStatus),
		"reason": agentReason,
	}
	if outputsPath != "" {
		outputs, err := readOutputs(outputsPath)
		if err != nil {
			return err
		}
		body["outputs"] = outputs
	}

	resp, err := apiPost("/agents/"+url.PathEscape(args[0])+"/report", body)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func readOutputs(path string) ([]models.Output, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read outputs: %w", err)
	}

	var outputs []models.Output
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	return outputs, nil
}

func agentAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return postAgentAction(args[0], action, "")
	}
}

func runAgentReclassify(cmd *cobra.Command, args []string) error {
	return postAgentAction(args[0], "reclassify", strings.ToUpper(args[1]))
}

func postAgentAction(id, action, to string) error {
	body := map[string]string{
		"actor":  actor,
		"reason": agentReason,
	}
	if to != "" {
		body["to"] = to
	}

	resp, err := apiPost("/agents/"+url.PathEscape(id)+"/"+action, body)
	if err != nil {
		return err
	}

	var a models.Agent
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}
	fmt.Printf("Agent %s is now %s\n", a.ID, a.Status)
	return nil
}
