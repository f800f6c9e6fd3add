package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/dasher-automate/internal/console"
)

const defaultServer = "http://localhost:8080"

type globals struct {
	server string
	asJSON bool
}

func (g *globals) client() *console.Client {
	return console.New(g.server)
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:          "dasherctl",
		Short:        "Operate Dasher Automate devices through a relay",
		Long:         "dasherctl queries device status, pushes rules and toggles, and watches live offer events through a Dasher Automate relay.",
		SilenceUsage: true,
	}

	server := os.Getenv("DASHER_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&g.server, "server", server, "relay base URL (env DASHER_SERVER)")
	rootCmd.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(
		newStatusCmd(g),
		newSessionsCmd(g),
		newRulesCmd(g),
		newToggleCmd(g),
		newControlCmd(g),
		newWatchCmd(g),
	)
	return rootCmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
