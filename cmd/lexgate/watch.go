package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/lexgate/internal/config"
	"github.com/fentz26/lexgate/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Launch the terminal dashboard",
	RunE:  runWatch,
}

var (
	watchInterval  time.Duration
	watchAggregate bool
	noAutoStart    bool
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", tui.DefaultInterval, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchAggregate, "aggregate", false, "Refresh at poll.aggregate_interval instead of --interval")
	watchCmd.Flags().BoolVar(&noAutoStart, "no-start", false, "Do not start the daemon when it is not running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	// 1. Check if Daemon is running
	if !isDaemonRunning(apiAddr) {
		if noAutoStart {
			return fmt.Errorf("daemon not reachable at %s", apiAddr)
		}
		fmt.Println("⚡ lexgate daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	interval := watchInterval
	if watchAggregate {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		interval = cfg.Poll.AggregateInterval.Duration()
	}

	// 2. Launch TUI
	app := tui.New(tui.NewClient(apiAddr, actor), interval)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	// 503 still means the daemon answers; the dashboard shows why it is unhealthy.
	return true
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	// Start "lexgate daemon" in background
	cmd := exec.Command(exe, args...)
	// Detach process so it survives TUI exit
	configureDaemonProc(cmd)

	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	// Wait for it to become ready
	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ { // Wait up to 5 seconds
		if isDaemonRunning(apiAddr) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
