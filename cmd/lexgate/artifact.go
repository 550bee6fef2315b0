package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/lexgate/internal/models"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Inspect agent artifacts",
}

var artifactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts",
	RunE:  runArtifactList,
}

var artifactShowCmd = &cobra.Command{
	Use:   "show [artifact-id]",
	Short: "Show an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactShow,
}

var artifactArchiveCmd = &cobra.Command{
	Use:   "archive [artifact-id]",
	Short: "Archive an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactArchive,
}

var (
	artifactStage  string
	artifactStatus string
	artifactAgent  string
)

func init() {
	artifactCmd.AddCommand(artifactListCmd, artifactShowCmd, artifactArchiveCmd)

	artifactListCmd.Flags().StringVar(&artifactStage, "stage", "", "Filter by stage")
	artifactListCmd.Flags().StringVar(&artifactStatus, "status", "", "Filter by status")
	artifactListCmd.Flags().StringVar(&artifactAgent, "agent", "", "Filter by producing agent")
}

func runArtifactList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if artifactStage != "" {
		q.Set("stage", strings.ToUpper(artifactStage))
	}
	if artifactStatus != "" {
		q.Set("status", strings.ToUpper(artifactStatus))
	}
	if artifactAgent != "" {
		q.Set("agent", artifactAgent)
	}
	path := "/artifacts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var artifacts []models.Artifact
	if err := json.Unmarshal(resp, &artifacts); err != nil {
		return err
	}

	if len(artifacts) == 0 {
		fmt.Println("No artifacts found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTAGE\tSTATUS\tREVIEW\tGATE")
	for _, a := range artifacts {
		gate := a.GateID
		if gate == "" {
			gate = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", a.ID, a.AgentID, a.Stage, a.Status, a.RequiresReview, gate)
	}
	return w.Flush()
}

func runArtifactShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/artifacts/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runArtifactArchive(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/artifacts/"+url.PathEscape(args[0])+"/archive", map[string]string{
		"actor": actor,
	})
	if err != nil {
		return err
	}

	var a models.Artifact
	if err := json.Unmarshal(resp, &a); err != nil {
		return err
	}
	fmt.Printf("Artifact %s is %s\n", a.ID, a.Status)
	return nil
}
