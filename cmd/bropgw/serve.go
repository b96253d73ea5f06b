package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/neboloop/bropgw/internal/config"
	"github.com/neboloop/bropgw/internal/events"
	"github.com/neboloop/bropgw/internal/gateway"
	"github.com/neboloop/bropgw/internal/logging"
	"github.com/neboloop/bropgw/internal/monitoring"
)

// ServeCmd creates the serve command
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long:  `Start the native, CDP and extension listeners and run until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

// loadConfig resolves file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Load(cfgFile)
	if err != nil {
		return c, err
	}
	applyFlags(cmd, &c)
	return c, c.Validate()
}

// applyFlags overlays the flags the user actually set.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("native-addr", &c.Listen.Native, nativeAddr)
	set("cdp-addr", &c.Listen.CDP, cdpAddr)
	set("upstream-addr", &c.Listen.Upstream, upstreamAddr)
	set("log-level", &c.Log.Level, logLevel)
	set("log-format", &c.Log.Format, logFormat)
}

// setupLogging installs the logger from c, then silences it under --quiet.
func setupLogging(c config.Config) error {
	if err := logging.Setup(logging.Options{Level: c.Log.Level, Format: c.Log.Format}); err != nil {
		return err
	}
	if quiet {
		logging.Disable()
	}
	return nil
}

func runServe(cmd *cobra.Command) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := setupLogging(c); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewSubject(events.WithLogger(logging.Component("events")))
	defer events.Complete(bus)
	metrics := monitoring.NewMetricsCollector()
	metrics.Attach(bus)
	defer metrics.Detach()

	gw := gateway.New(gateway.Options{Config: c, Bus: bus, Metrics: metrics})

	if cfgFile != "" {
		go func() {
			current := c
			err := config.Watch(ctx, cfgFile, func(next config.Config) {
				applyFlags(cmd, &next)
				reload(current, next)
				current = next
			})
			if err != nil {
				log.Warn().Err(err).Str("path", cfgFile).Msg("config watch stopped")
			}
		}()
	}

	log.Info().
		Str("version", Version).
		Str("native", c.Listen.Native).
		Str("cdp", c.Listen.CDP).
		Str("upstream", c.Listen.Upstream).
		Msg("starting bropgw")

	if err := gw.Serve(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	log.Info().Msg("bropgw stopped")
	return nil
}

// reload applies the settings that can change without a restart.
func reload(running, next config.Config) {
	if next.Log.Level != running.Log.Level {
		if err := logging.SetLevel(next.Log.Level); err != nil {
			log.Warn().Err(err).Msg("log level not changed")
		} else {
			log.Info().Str("level", next.Log.Level).Msg("log level changed")
		}
	}
	if next.Listen != running.Listen {
		log.Warn().Msg("listen addresses changed; restart to apply")
	}
}
