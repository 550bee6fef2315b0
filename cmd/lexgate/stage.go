package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/lexgate/internal/models"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Inspect and advance the workflow stage",
	RunE:  runStageShow,
}

var stageShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current stage",
	RunE:  runStageShow,
}

var stageHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the stage history",
	RunE:  runStageHistory,
}

var stageAdvanceCmd = &cobra.Command{
	Use:   "advance [stage]",
	Short: "Advance to the next stage",
	Args:  cobra.ExactArgs(1),
	RunE:  runStageAdvance,
}

var confirmAdvance bool

func init() {
	stageCmd.AddCommand(stageShowCmd, stageHistoryCmd, stageAdvanceCmd)

	stageAdvanceCmd.Flags().BoolVar(&confirmAdvance, "confirm", false, "Confirm an advance into a stage that requires it")
}

func runStageShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/stage")
	if err != nil {
		return err
	}

	var res struct {
		Current models.StageEntry `json:"current"`
		Stages  []models.Stage    `json:"stages"`
	}
	if err := json.Unmarshal(resp, &res); err != nil {
		return err
	}

	fmt.Printf("Current stage: %s (seq %d, entered %s)\n",
		res.Current.Stage, res.Current.Seq, res.Current.EnteredAt.Local().Format(time.DateTime))

	seq := make([]string, len(res.Stages))
	for i, st := range res.Stages {
		seq[i] = string(st)
		if st == res.Current.Stage {
			seq[i] = "[" + seq[i] + "]"
		}
	}
	fmt.Println(strings.Join(seq, " -> "))
	return nil
}

func runStageHistory(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/stage/history")
	if err != nil {
		return err
	}

	var history []models.StageEntry
	if err := json.Unmarshal(resp, &history); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSTAGE\tENTERED\tEXITED\tACTOR")
	for _, e := range history {
		exited := "-"
		if e.ExitedAt != nil {
			exited = e.ExitedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Stage, e.EnteredAt.Local().Format(time.DateTime), exited, e.Actor)
	}
	return w.Flush()
}

func runStageAdvance(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"target": strings.ToUpper(args[0]),
		"actor":  actor,
	}
	if cmd.Flags().Changed("confirm") {
		body["confirmation"] = confirmAdvance
	}

	resp, err := apiPost("/stage/advance", body)
	if err != nil {
		return err
	}

	var e models.StageEntry
	if err := json.Unmarshal(resp, &e); err != nil {
		return err
	}
	fmt.Printf("Advanced to %s (seq %d)\n", e.Stage, e.Seq)
	return nil
}
