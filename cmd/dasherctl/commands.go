package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/rulesfile"
)

func newRulesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage device rules",
	}
	cmd.AddCommand(newRulesPushCmd(g))
	return cmd
}

func newRulesPushCmd(g *globals) *cobra.Command {
	var (
		file          string
		minPay        string
		maxDistance   string
		minPayPerMile string
		blacklist     []string
		disabled      bool
	)

	cmd := &cobra.Command{
		Use:   "push <device-id>",
		Short: "Replace the rule set on a device",
		Long: `Replace the whole rule set on a device. Rules come from --file, or are built
from the defaults with any threshold flags applied on top.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := domain.DefaultRuleSet()
			if file != "" {
				loaded, err := rulesfile.Load(file)
				if err != nil {
					return err
				}
				rules = loaded
			}

			for _, f := range []struct {
				name string
				raw  string
				dst  *decimal.Decimal
			}{
				{"min-pay", minPay, &rules.MinPay},
				{"max-distance", maxDistance, &rules.MaxDistance},
				{"min-pay-per-mile", minPayPerMile, &rules.MinPayPerMile},
			} {
				if !cmd.Flags().Changed(f.name) {
					continue
				}
				d, err := decimal.NewFromString(f.raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
				*f.dst = d
			}
			if cmd.Flags().Changed("blacklist") {
				rules.BlacklistedStores = blacklist
			}
			if disabled {
				rules.Enabled = false
			}
			if err := rules.Validate(); err != nil {
				return err
			}

			if err := g.client().PushRules(cmd.Context(), args[0], rules); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rules pushed to %s\n", args[0])
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "rules file (.toml, .yaml or .json)")
	f.StringVar(&minPay, "min-pay", "", "minimum pay")
	f.StringVar(&maxDistance, "max-distance", "", "maximum distance in miles")
	f.StringVar(&minPayPerMile, "min-pay-per-mile", "", "minimum pay per mile")
	f.StringSliceVar(&blacklist, "blacklist", nil, "stores to always decline")
	f.BoolVar(&disabled, "disabled", false, "push the rules with automation switched off")
	return cmd
}

func newToggleCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:       "toggle <device-id> <on|off>",
		Short:     "Switch automation on or off",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			if err := g.client().Control(cmd.Context(), args[0], "toggle", enabled); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "automation %s on %s\n", args[1], args[0])
			return err
		},
	}
}

func newControlCmd(g *globals) *cobra.Command {
	var enabled bool
	cmd := &cobra.Command{
		Use:   "control <device-id> <action>",
		Short: "Send a generic control action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Control(cmd.Context(), args[0], args[1], enabled); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s\n", args[1], args[0])
			return err
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enabled flag carried by the action")
	return cmd
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, errors.New(`expected "on" or "off"`)
}
