package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon health",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health == nil {
		return err
	}

	fmt.Printf("Daemon:  %s (version %s)\n", apiAddr, health.Version)
	fmt.Printf("DB:      %s\n", health.DB)
	fmt.Printf("Poller:  %s\n", health.Poller.State)
	fmt.Printf("Time:    %s\n", health.Time)
	return err
}
