// Package main provides the entry point for the Asetek cooler daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shini4i/asetek-cooler-daemon/internal/config"
	"github.com/shini4i/asetek-cooler-daemon/internal/telemetry"
	"github.com/shini4i/asetek-cooler-daemon/internal/usb"
)

// options holds the command line flags.
type options struct {
	verbose    bool
	configPath string
	targetTemp float64
	noFanLink  bool
	noDBus     bool
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asetek-cooler-daemon",
		Short: "Daemon driving Asetek based USB liquid coolers",
		Long: `asetek-cooler-daemon owns an Asetek based liquid cooler over USB.

It polls fan, pump and coolant telemetry, keeps the pump mode in line with
the coolant temperature, relays fan duty set-points from an external fan
controller over serial and exposes everything on D-Bus.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(opts.verbose)

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, usb.OpenGousbDevice, telemetry.NewStore())
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	flags.Float64Var(&opts.targetTemp, "target-temp", 0, "Target coolant temperature in °C (overrides the config file)")
	flags.BoolVar(&opts.noFanLink, "no-fanlink", false, "Do not connect to the external fan controller")
	flags.BoolVar(&opts.noDBus, "no-dbus", false, "Do not export the D-Bus service")
	return cmd
}

func setupLogging(verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}

	if cmd.Flags().Changed("target-temp") {
		cfg.Pump.TargetTemperature = opts.targetTemp
	}
	if opts.noFanLink {
		cfg.FanLink.Enabled = false
	}
	if opts.noDBus {
		cfg.DBus.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}
	return cfg, nil
}

func main() {
	err := newRootCmd(&options{}).ExecuteContext(context.Background())
	if err != nil {
		var acqErr *usb.AcquisitionError
		if errors.As(err, &acqErr) {
			log.Error().Err(acqErr.Err).Str("step", acqErr.Step.String()).Msg("Failed to acquire cooler")
		} else {
			log.Error().Err(err).Msg("Daemon failed")
		}
	}
	os.Exit(exitCode(err))
}
