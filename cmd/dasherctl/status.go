package main

import (
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <device-id>",
		Short: "Show the last known status of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.asJSON {
				return writeJSON(cmd, st)
			}

			table := uitable.New()
			table.AddRow("DEVICE", "STATUS", "LAST SEEN")
			lastSeen := "-"
			if st.LastSeenAt > 0 {
				lastSeen = time.UnixMilli(st.LastSeenAt).Format(time.RFC3339)
			}
			table.AddRow(st.DeviceID, st.Status, lastSeen)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), table)
			return err
		},
	}
}

func newSessionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions connected to the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := g.client().Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if g.asJSON {
				return writeJSON(cmd, sessions)
			}
			if len(sessions) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no live sessions")
				return err
			}

			table := uitable.New()
			table.AddRow("SESSION", "STATUS", "LAST SEEN")
			for _, s := range sessions {
				table.AddRow(s.SessionID, s.Status, s.LastSeenAt.Format(time.RFC3339))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), table)
			return err
		},
	}
}
