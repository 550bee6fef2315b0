package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the current status snapshot",
	RunE:  runSnapshot,
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Feed external signals into the snapshot",
}

var signalHealthCmd = &cobra.Command{
	Use:   "health [key]",
	Short: "Record a health signal for a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignalHealth,
}

var signalKPICmd = &cobra.Command{
	Use:   "kpi [name=value...]",
	Short: "Set external KPI values",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSignalKPI,
}

var pollerCmd = &cobra.Command{
	Use:   "poller",
	Short: "Control the snapshot poller",
}

var pollerRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart a poller that gave up",
	RunE:  runPollerRestart,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	RunE:  runAudit,
}

var (
	streamSnapshot bool
	auditEntity    string
	auditEntityID  string
	auditLimit     int
)

func init() {
	snapshotCmd.Flags().BoolVar(&streamSnapshot, "stream", false, "Follow snapshot deltas until interrupted")

	signalCmd.AddCommand(signalHealthCmd, signalKPICmd)
	pollerCmd.AddCommand(pollerRestartCmd)

	auditCmd.Flags().StringVar(&auditEntity, "type", "", "Filter by entity type (stage, agent, artifact, review, execution)")
	auditCmd.Flags().StringVar(&auditEntityID, "id", "", "Filter by entity id")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	if streamSnapshot {
		return streamDeltas()
	}

	resp, err := apiGet("/snapshot")
	if err != nil {
		return err
	}
	return printJSON(resp)
}

// streamDeltas prints each SSE event from /snapshot/stream until interrupted.
func streamDeltas() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiAddr+"/snapshot/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream stays open.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (%d)", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := printEvent(event, []byte(strings.TrimPrefix(line, "data: "))); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func printEvent(event string, data []byte) error {
	if event != "delta" {
		fmt.Printf("== %s\n", event)
		return printJSON(data)
	}

	var d snapshot.Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	fmt.Printf("== delta %s\n", d.To.Local().Format(time.TimeOnly))
	for _, c := range d.Changes {
		fmt.Printf("  %-9s %-7s %s: %v -> %v\n", c.Dimension, c.Kind, c.Key, c.Old, c.New)
	}
	return nil
}

func runSignalHealth(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/signals/health", map[string]any{
		"key": args[0],
		"at":  time.Now().UTC(),
	}); err != nil {
		return err
	}
	fmt.Printf("Health signal recorded for %s\n", args[0])
	return nil
}

func runSignalKPI(cmd *cobra.Command, args []string) error {
	kpis := make(map[string]float64, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid KPI %q, want name=value", arg)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid KPI %q: %w", arg, err)
		}
		kpis[name] = v
	}

	if _, err := apiPost("/signals/kpis", map[string]any{"kpis": kpis}); err != nil {
		return err
	}

	names := make([]string, 0, len(kpis))
	for name := range kpis {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("Set %s\n", strings.Join(names, ", "))
	return nil
}

func runPollerRestart(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/poller/restart", map[string]string{"actor": actor})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if auditEntity != "" {
		q.Set("entity_type", auditEntity)
	}
	if auditEntityID != "" {
		q.Set("entity_id", auditEntityID)
	}
	q.Set("limit", strconv.Itoa(auditLimit))

	resp, err := apiGet("/audit?" + q.Encode())
	if err != nil {
		return err
	}

	var events []models.AuditEvent
	if err := json.Unmarshal(resp, &events); err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTION\tENTITY\tTRANSITION\tOUTCOME\tACTOR")
	for _, e := range events {
		transition := "-"
		if e.FromState != "" || e.ToState != "" {
			transition = e.FromState + " -> " + e.ToState
		}
		entity := e.EntityType
		if e.EntityID != "" {
			entity += "/" + e.EntityID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Local().Format(time.DateTime), e.Action, entity, transition, e.Outcome, e.Actor)
	}
	return w.Flush()
}
