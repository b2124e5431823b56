// SPDX-License-Identifier: GPL-3.0-only

package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
)

// TemperatureHook is called for every decoded temperature reading.
type TemperatureHook func(protocol.Decidegrees)

// PumpModeHook is called when the reported pump mode changes.
type PumpModeHook func(protocol.PumpMode)

// Dispatcher is the only writer of a Store. It drains the session's event
// channel and notifies hooks after each event has been applied.
type Dispatcher struct {
	store            *Store
	temperatureHooks []TemperatureHook
	pumpModeHooks    []PumpModeHook
}

// DispatcherOption is a functional option for configuring a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTemperatureHook registers a hook for temperature readings.
func WithTemperatureHook(fn TemperatureHook) DispatcherOption {
	return func(d *Dispatcher) {
		d.temperatureHooks = append(d.temperatureHooks, fn)
	}
}

// WithPumpModeHook registers a hook for pump mode changes.
func WithPumpModeHook(fn PumpModeHook) DispatcherOption {
	return func(d *Dispatcher) {
		d.pumpModeHooks = append(d.pumpModeHooks, fn)
	}
}

// NewDispatcher creates a dispatcher writing into store.
func NewDispatcher(store *Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{store: store}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run applies events until the channel is closed or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, events <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				log.Debug().Msg("Event stream closed")
				return nil
			}
			d.Handle(event)
		}
	}
}

// Handle applies a single event.
func (d *Dispatcher) Handle(event protocol.Event) {
	changed := d.store.Apply(event)

	switch e := event.(type) {
	case protocol.Temperature:
		for _, hook := range d.temperatureHooks {
			hook(e.Value)
		}
	case protocol.PumpModeReport:
		if changed {
			log.Info().Str("mode", e.Mode.String()).Msg("Pump mode changed")
			for _, hook := range d.pumpModeHooks {
				hook(e.Mode)
			}
		}
	case protocol.CommandAck:
		if err := e.Err(); err != nil {
			var actErr *protocol.ActuationError
			if errors.As(err, &actErr) {
				log.Warn().Err(err).Str("command", actErr.Command.String()).Msg("Command not acknowledged")
			}
		}
	case protocol.Fault:
		log.Warn().Hex("payload", e.Raw).Msg("Device reported a fault")
	case protocol.FirmwareVersion:
		log.Info().Str("firmware", e.Version).Msg("Firmware version")
	case protocol.HardwareVersion:
		log.Info().Uint8("revision", e.Revision).Msg("Hardware version")
	}
}
