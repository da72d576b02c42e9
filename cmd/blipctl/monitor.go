package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/strand-protocol/blip/internal/blipctl/tui"
)

var monitorURL string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard of an engine's connection counters",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil // no config file needed to just watch a URL
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(tui.New(monitorURL), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorURL, "url", "http://localhost:4984/metrics", "metrics endpoint to poll")
	rootCmd.AddCommand(monitorCmd)
}
