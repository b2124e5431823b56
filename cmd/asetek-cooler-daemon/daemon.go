// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/shini4i/asetek-cooler-daemon/internal/config"
	"github.com/shini4i/asetek-cooler-daemon/internal/dbus"
	"github.com/shini4i/asetek-cooler-daemon/internal/fanlink"
	"github.com/shini4i/asetek-cooler-daemon/internal/poller"
	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/shini4i/asetek-cooler-daemon/internal/pump"
	"github.com/shini4i/asetek-cooler-daemon/internal/telemetry"
	"github.com/shini4i/asetek-cooler-daemon/internal/udev"
	"github.com/shini4i/asetek-cooler-daemon/internal/usb"
)

var (
	// errConfig marks invalid flags or configuration.
	errConfig = errors.New("invalid configuration")

	// errRuntimeFailure marks the loss of the cooler after startup.
	errRuntimeFailure = errors.New("cooler failed at runtime")
)

// Process exit codes, one per acquisition step.
const (
	exitOK              = 0
	exitUsage           = 1
	exitDeviceNotFound  = 2
	exitOpen            = 3
	exitControlTransfer = 4
	exitReset           = 5
	exitClaim           = 6
	exitEndpointConfig  = 7
	exitPollStart       = 8
	exitRuntime         = 9
)

// exitCode maps the error returned by run to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var acqErr *usb.AcquisitionError
	if errors.As(err, &acqErr) {
		switch acqErr.Step {
		case usb.StepFind:
			return exitDeviceNotFound
		case usb.StepOpen:
			return exitOpen
		case usb.StepControlTransfer:
			return exitControlTransfer
		case usb.StepReset:
			return exitReset
		case usb.StepClaim:
			return exitClaim
		case usb.StepEndpointConfig:
			return exitEndpointConfig
		case usb.StepPollStart:
			return exitPollStart
		}
	}

	if errors.Is(err, errRuntimeFailure) {
		return exitRuntime
	}
	return exitUsage
}

// acquire walks the session from Closed to Streaming.
func acquire(session *usb.Session, cfg config.DeviceConfig) (<-chan protocol.Event, error) {
	steps := []func() error{
		session.Open,
		session.ConfigureFlowControl,
		session.ResetDevice,
		session.ClaimInterface,
		func() error { return session.ConfigureEndpoints(cfg.TransferTimeout) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return session.StartStreaming(cfg.PacketSize, cfg.QueueDepth)
}

// openFanLink connects to the fan controller. It returns nil when the link
// is disabled or the controller cannot be reached.
func openFanLink(cfg config.FanLinkConfig, sender fanlink.Sender) *fanlink.Link {
	if !cfg.Enabled {
		return nil
	}

	portName := cfg.Port
	if portName == "" {
		found, err := fanlink.FindPort(cfg.SerialNumber, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Fan controller not found, running without it")
			return nil
		}
		portName = found
	}

	port, err := fanlink.Open(portName, cfg.BaudRate)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open fan controller, running without it")
		return nil
	}

	log.Info().Str("port", portName).Int("baud", cfg.BaudRate).Msg("Fan controller connected")
	return fanlink.New(port, sender)
}

// run owns the cooler from acquisition to teardown, keeping its readings in
// store. It returns nil on a signal initiated shutdown.
func run(ctx context.Context, cfg *config.Config, opener usb.DeviceOpener, store *telemetry.Store) error {
	session := usb.NewSession(cfg.Device.VendorID, cfg.Device.ProductID,
		usb.WithOpener(opener),
		usb.WithCommandSpacing(cfg.Device.CommandSpacing),
	)

	log.Info().
		Str("vendor", fmt.Sprintf("%04x", cfg.Device.VendorID)).
		Str("product", fmt.Sprintf("%04x", cfg.Device.ProductID)).
		Msg("Starting asetek-cooler-daemon")

	events, err := acquire(session, cfg.Device)
	if err != nil {
		teardown(session)
		return err
	}

	link := openFanLink(cfg.FanLink, session)
	controllerOpts := []pump.ControllerOption{pump.WithThresholds(cfg.Thresholds())}
	var dispatcherOpts []telemetry.DispatcherOption
	if link != nil {
		controllerOpts = append(controllerOpts, pump.WithDutySource(link))
		dispatcherOpts = append(dispatcherOpts, telemetry.WithTemperatureHook(link.PublishTemperature))
	}
	controller := pump.NewController(session, store, cfg.Target(), controllerOpts...)

	var server *dbus.Server
	if cfg.DBus.Enabled {
		server = dbus.NewServer(store, session, controller)
		if err := server.Start(cfg.DBus.SystemBus); err != nil {
			log.Error().Err(err).Msg("Failed to start D-Bus server (D-Bus interface disabled)")
			server = nil
		} else {
			dispatcherOpts = append(dispatcherOpts,
				telemetry.WithTemperatureHook(server.EmitTemperatureChanged),
				telemetry.WithPumpModeHook(server.EmitPumpModeChanged),
			)
		}
	}

	dispatcher := telemetry.NewDispatcher(store, dispatcherOpts...)
	schedulerOpts := []poller.Option{poller.WithPeriod(cfg.Poll.Period)}
	if link != nil {
		schedulerOpts = append(schedulerOpts, poller.WithSetpointSource(link))
	}
	scheduler := poller.NewScheduler(session, store, controller, schedulerOpts...)

	// Polling stops first. Responses keep flowing to the dispatcher and the
	// fan link until the session is torn down after the drain delay.
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	linkCtx, closeLink := context.WithCancel(context.Background())
	defer closeLink()

	removed := make(chan struct{})
	var monitor *udev.Monitor
	if cfg.Device.Hotplug {
		monitor = startMonitor(pollCtx, cfg.Device, session, removed)
	}

	var g errgroup.Group
	g.Go(func() error {
		// Ends when teardown closes the event channel.
		return dispatcher.Run(context.Background(), events)
	})
	g.Go(func() error {
		return scheduler.Run(pollCtx)
	})
	if link != nil {
		g.Go(func() error {
			if err := link.Run(linkCtx); err != nil {
				log.Warn().Err(err).Msg("Fan controller link lost")
			}
			return nil
		})
	}

	log.Info().Msg("Daemon running, press Ctrl+C to stop")

	var result error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err := <-session.Failed():
		result = fmt.Errorf("%w: %w", errRuntimeFailure, err)
	case <-removed:
		result = fmt.Errorf("%w: device removed", errRuntimeFailure)
	}

	stopPolling()
	drain(cfg.Poll.DrainDelay)
	teardown(session)
	closeLink()

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker failed during shutdown")
	}

	if monitor != nil {
		if err := monitor.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop udev monitor")
		}
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop D-Bus server")
		}
	}
	if link != nil {
		if err := link.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close fan controller port")
		}
	}

	log.Info().Msg("Daemon stopped")
	return result
}

// startMonitor watches for removal of the cooler. A buffer overflow may hide
// the removal, so the recovery handler probes the device instead.
func startMonitor(ctx context.Context, cfg config.DeviceConfig, session *usb.Session, removed chan<- struct{}) *udev.Monitor {
	var once sync.Once
	monitor := udev.NewMonitor(cfg.VendorID, cfg.ProductID, func(event udev.Event) {
		if event.Type == udev.EventRemove {
			once.Do(func() { close(removed) })
		}
	})
	monitor.SetRecoveryHandler(func() {
		if err := session.Send(ctx, protocol.GetHardwareVersion()); err != nil {
			log.Warn().Err(err).Msg("Cooler probe after netlink overflow failed")
		}
	})

	if err := monitor.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start udev monitor (hot-plug detection disabled)")
		return nil
	}
	return monitor
}

// drain gives in-flight transfers time to complete before the interface is
// released.
func drain(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

func teardown(session *usb.Session) {
	if err := session.Teardown(); err != nil {
		log.Error().Err(err).Msg("Teardown completed with errors")
	}
}
