// SPDX-License-Identifier: GPL-3.0-only

// Package pump keeps the pump power mode in line with coolant temperature
// and the fan duty requested by the external fan controller.
package pump

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/shini4i/asetek-cooler-daemon/internal/telemetry"
)

// Thresholds are the hysteresis offsets relative to the target temperature
// and the duty cycles that force a minimum mode.
type Thresholds struct {
	// QuietToBalanced is added to the target: Quiet steps up at or above it.
	QuietToBalanced protocol.Decidegrees
	// BalancedToQuiet is subtracted from the target: Balanced steps down at or below it.
	BalancedToQuiet protocol.Decidegrees
	// BalancedToPerformance is added to the target: Balanced steps up at or above it.
	BalancedToPerformance protocol.Decidegrees
	// PerformanceToBalanced is added to the target: Performance steps down at or below it.
	PerformanceToBalanced protocol.Decidegrees

	// BalancedDuty is the fan duty percentage that requires at least Balanced.
	BalancedDuty float64
	// PerformanceDuty is the fan duty percentage that requires Performance.
	PerformanceDuty float64
}

// DefaultThresholds returns the stock hysteresis band.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QuietToBalanced:       5,
		BalancedToQuiet:       5,
		BalancedToPerformance: 15,
		PerformanceToBalanced: 5,
		BalancedDuty:          4,
		PerformanceDuty:       20,
	}
}

// Validate rejects bands that would let the controller oscillate.
func (t Thresholds) Validate() error {
	if t.QuietToBalanced < 0 || t.BalancedToQuiet < 0 {
		return fmt.Errorf("hysteresis offsets must not be negative")
	}
	// Quiet -> Balanced must sit strictly above Balanced -> Quiet.
	if t.QuietToBalanced <= -t.BalancedToQuiet {
		return fmt.Errorf("quiet/balanced band is empty")
	}
	if t.BalancedToPerformance <= t.PerformanceToBalanced {
		return fmt.Errorf("balanced/performance band is empty: up %s must exceed down %s",
			t.BalancedToPerformance, t.PerformanceToBalanced)
	}
	if t.BalancedDuty < 0 || t.PerformanceDuty < t.BalancedDuty {
		return fmt.Errorf("duty thresholds must satisfy 0 <= balanced (%g) <= performance (%g)",
			t.BalancedDuty, t.PerformanceDuty)
	}
	return nil
}

// Input is everything one evaluation looks at.
type Input struct {
	Current     protocol.PumpMode
	Temperature protocol.Decidegrees
	Target      protocol.Decidegrees
	Duty        float64
	HasDuty     bool
}

// Target computes the mode the pump should be in. The temperature rule moves
// at most one step per evaluation; the duty rule can only raise the result.
func Target(in Input, th Thresholds) protocol.PumpMode {
	mode := in.Current
	switch in.Current {
	case protocol.Quiet:
		if in.Temperature >= in.Target+th.QuietToBalanced {
			mode = protocol.Balanced
		}
	case protocol.Balanced:
		switch {
		case in.Temperature <= in.Target-th.BalancedToQuiet:
			mode = protocol.Quiet
		case in.Temperature >= in.Target+th.BalancedToPerformance:
			mode = protocol.Performance
		}
	case protocol.Performance:
		if in.Temperature <= in.Target+th.PerformanceToBalanced {
			mode = protocol.Balanced
		}
	default:
		mode = protocol.Performance
	}

	if in.HasDuty {
		switch {
		case in.Duty >= th.PerformanceDuty:
			mode = protocol.Performance
		case in.Duty >= th.BalancedDuty && mode < protocol.Balanced:
			mode = protocol.Balanced
		}
	}
	return mode
}

// Sender writes one frame to the cooler.
type Sender interface {
	Send(ctx context.Context, frame protocol.Frame) error
}

// SnapshotSource provides the latest telemetry.
type SnapshotSource interface {
	Snapshot() telemetry.Snapshot
}

// DutySource provides the last fan duty requested by the external controller.
type DutySource interface {
	DutyPct() (float64, bool)
}

// Controller applies Target against live telemetry and commands the pump.
// The current mode is always taken from the device report, never assumed
// from the last command.
type Controller struct {
	sender     Sender
	telemetry  SnapshotSource
	duty       DutySource
	thresholds Thresholds

	mu            sync.Mutex
	target        protocol.Decidegrees
	lastCommanded protocol.PumpMode
	hasCommanded  bool
}

// ControllerOption is a functional option for configuring a Controller.
type ControllerOption func(*Controller)

// WithDutySource enables the duty override.
func WithDutySource(d DutySource) ControllerOption {
	return func(c *Controller) {
		c.duty = d
	}
}

// WithThresholds replaces the default hysteresis band.
func WithThresholds(th Thresholds) ControllerOption {
	return func(c *Controller) {
		c.thresholds = th
	}
}

// NewController creates a controller holding the given target temperature.
func NewController(sender Sender, source SnapshotSource, target protocol.Decidegrees, opts ...ControllerOption) *Controller {
	c := &Controller{
		sender:     sender,
		telemetry:  source,
		thresholds: DefaultThresholds(),
		target:     target,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTargetTemperature changes the target used from the next evaluation on.
func (c *Controller) SetTargetTemperature(t protocol.Decidegrees) {
	c.mu.Lock()
	c.target = t
	c.mu.Unlock()
	log.Info().Str("target", t.String()).Msg("Target temperature updated")
}

// TargetTemperature returns the current target.
func (c *Controller) TargetTemperature() protocol.Decidegrees {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// LastCommandedMode returns the mode most recently sent to the pump.
func (c *Controller) LastCommandedMode() (protocol.PumpMode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommanded, c.hasCommanded
}

// Evaluate runs one control step. Missing readings are logged and leave the
// pump untouched.
func (c *Controller) Evaluate(ctx context.Context) error {
	snap := c.telemetry.Snapshot()
	if !snap.HasPumpMode {
		log.Debug().Msg("Pump mode not reported yet, skipping evaluation")
		return nil
	}
	if !snap.HasTemperature || snap.Temperature == 0 {
		log.Debug().Msg("Coolant temperature not reported yet, skipping evaluation")
		return nil
	}

	in := Input{
		Current:     snap.PumpMode,
		Temperature: snap.Temperature,
		Target:      c.TargetTemperature(),
	}
	if c.duty != nil {
		in.Duty, in.HasDuty = c.duty.DutyPct()
	}

	next := Target(in, c.thresholds)
	if next == in.Current {
		return nil
	}

	log.Info().
		Str("from", in.Current.String()).
		Str("to", next.String()).
		Str("temperature", in.Temperature.String()).
		Str("target", in.Target.String()).
		Float64("duty", in.Duty).
		Msg("Changing pump mode")
	return c.SetPumpMode(ctx, next)
}

// SetPumpMode commands a mode and asks the device to report it back.
func (c *Controller) SetPumpMode(ctx context.Context, mode protocol.PumpMode) error {
	if err := c.sender.Send(ctx, protocol.SetPumpMode(mode)); err != nil {
		return fmt.Errorf("failed to set pump mode %s: %w", mode, err)
	}

	c.mu.Lock()
	c.lastCommanded, c.hasCommanded = mode, true
	c.mu.Unlock()

	if err := c.sender.Send(ctx, protocol.GetPumpMode()); err != nil {
		return fmt.Errorf("failed to confirm pump mode: %w", err)
	}
	return nil
}
