package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/dasher-automate/internal/protocol"
)

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <device-id>",
		Short: "Stream live events from a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return g.client().Watch(ctx, args[0], func(m protocol.Message) {
				if g.asJSON {
					_ = json.NewEncoder(out).Encode(m)
					return
				}
				printEvent(out, m)
			})
		},
	}
}

func printEvent(w io.Writer, m protocol.Message) {
	at := time.UnixMilli(m.Timestamp).Format(time.TimeOnly)
	switch m.Type {
	case protocol.TypeOfferReceived:
		if m.Offer != nil {
			fmt.Fprintf(w, "%s offer    %s pay=%s distance=%s eta=%s\n", at, m.Offer.StoreName, m.Offer.Pay, m.Offer.Distance, m.Offer.TimeEstimate)
		}
	case protocol.TypeActionTaken:
		rule := ""
		if m.Verdict != nil {
			rule = string(m.Verdict.Rule)
		}
		store := ""
		if m.Offer != nil {
			store = m.Offer.StoreName
		}
		fmt.Fprintf(w, "%s action   %s %s (%s)\n", at, m.Action, store, rule)
	case protocol.TypeStatusUpdate, protocol.TypeDeviceConnected:
		fmt.Fprintf(w, "%s status   %s\n", at, m.Status)
	case protocol.TypeWelcome:
		fmt.Fprintf(w, "%s relay    %s\n", at, m.Message)
	default:
		fmt.Fprintf(w, "%s %s\n", at, m.Type)
	}
}
