package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/dasher-automate/internal/automation"
	"github.com/ashureev/dasher-automate/internal/automation/script"
	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/link"
	"github.com/ashureev/dasher-automate/internal/metrics"
	"github.com/ashureev/dasher-automate/internal/rulesfile"
)

const envPrefix = "DASHER"

// options are the resolved agent settings.
type options struct {
	RelayURL          string
	DeviceID          string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	RulesPath         string
	OffersPath        string
	OfferInterval     time.Duration
	ActionTimeout     time.Duration
	ActionSettle      time.Duration
	StartDisabled     bool
	MetricsAddr       string
	LogLevel          string
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "dasher-agent",
		Short: "Run a device agent against a Dasher Automate relay",
		Long: `dasher-agent keeps a device link open to the relay, applies pushed rules
and toggles, and evaluates offers from a recorded JSON-lines feed.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadOptions(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.String("relay-url", "http://localhost:8080", "relay base URL")
	f.String("device-id", "", "device id to connect as")
	f.Duration("reconnect-interval", 5*time.Second, "wait between reconnect attempts")
	f.Duration("ping-interval", 30*time.Second, "keepalive ping interval on the relay link")
	f.String("rules", "", "initial rules file (.toml, .yaml or .json)")
	f.String("offers", "", "JSON-lines offer feed to replay")
	f.Duration("offer-interval", 2*time.Second, "time each feed offer stays on screen")
	f.Duration("action-timeout", 3*time.Second, "limit for a single accept or decline action")
	f.Duration("action-settle", 500*time.Millisecond, "pause after an action before the next offer")
	f.Bool("start-disabled", false, "start with automation switched off")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	bindFlags(v, f)

	return cmd
}

// bindFlags makes every flag settable as DASHER_<FLAG_NAME>.
func bindFlags(v *viper.Viper, f *pflag.FlagSet) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(f); err != nil {
		panic(fmt.Sprintf("bind flags: %v", err))
	}
}

func loadOptions(v *viper.Viper) (options, error) {
	opts := options{
		RelayURL:          v.GetString("relay-url"),
		DeviceID:          v.GetString("device-id"),
		ReconnectInterval: v.GetDuration("reconnect-interval"),
		PingInterval:      v.GetDuration("ping-interval"),
		RulesPath:         v.GetString("rules"),
		OffersPath:        v.GetString("offers"),
		OfferInterval:     v.GetDuration("offer-interval"),
		ActionTimeout:     v.GetDuration("action-timeout"),
		ActionSettle:      v.GetDuration("action-settle"),
		StartDisabled:     v.GetBool("start-disabled"),
		MetricsAddr:       v.GetString("metrics-addr"),
		LogLevel:          v.GetString("log-level"),
	}
	if opts.DeviceID == "" {
		return opts, errors.New("device id is required (--device-id or DASHER_DEVICE_ID)")
	}
	if opts.OfferInterval <= 0 {
		return opts, errors.New("offer interval must be > 0")
	}
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	rules := domain.DefaultRuleSet()
	if opts.RulesPath != "" {
		loaded, err := rulesfile.Load(opts.RulesPath)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		rules = loaded
	}
	if opts.StartDisabled {
		rules.Enabled = false
	}

	feed := &script.Feed{}
	if opts.OffersPath != "" {
		loaded, err := script.OpenFeed(opts.OffersPath)
		if err != nil {
			return err
		}
		feed = loaded
	}

	device, err := link.New(link.Config{
		RelayURL:          opts.RelayURL,
		DeviceID:          opts.DeviceID,
		ReconnectInterval: opts.ReconnectInterval,
		PingInterval:      opts.PingInterval,
		Logger:            logger,
	}, rules)
	if err != nil {
		return fmt.Errorf("create device link: %w", err)
	}

	pipeline := automation.New(device, feed, &script.LogExecutor{Logger: logger, Dismiss: feed.Dismiss}, automation.Config{
		ActionTimeout: opts.ActionTimeout,
		ActionSettle:  opts.ActionSettle,
		Logger:        logger,
	})
	// Re-check the screen when automation is switched back on.
	device.OnRulesChanged(func(rs domain.RuleSet) {
		if rs.Enabled {
			pipeline.Notify()
		}
	})

	slog.Info("Starting device agent", "device_id", opts.DeviceID, "relay", opts.RelayURL, "offers", feed.Len(), "enabled", rules.Enabled)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return device.Run(ctx) })
	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error {
		if err := device.WaitConnected(ctx); err != nil {
			return err
		}
		if err := feed.Play(ctx, opts.OfferInterval, pipeline.Notify); err != nil {
			return err
		}
		slog.Info("Offer feed exhausted")
		return nil
	})
	if opts.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, opts.MetricsAddr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Device agent stopped")
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
