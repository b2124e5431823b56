// SPDX-License-Identifier: GPL-3.0-only

// Package poller drives the periodic telemetry reads and the pump controller.
package poller

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shini4i/asetek-cooler-daemon/internal/fanlink"
	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/shini4i/asetek-cooler-daemon/internal/telemetry"
)

// DefaultPeriod is the interval between poll cycles.
const DefaultPeriod = 2 * time.Second

// Sender writes one frame to the cooler.
type Sender interface {
	Send(ctx context.Context, frame protocol.Frame) error
}

// SnapshotSource provides the latest telemetry.
type SnapshotSource interface {
	Snapshot() telemetry.Snapshot
}

// Evaluator runs one control step after each cycle.
type Evaluator interface {
	Evaluate(ctx context.Context) error
}

// SetpointSource provides the fan controller's last reported set-point.
type SetpointSource interface {
	Setpoint() (fanlink.Setpoint, bool)
}

// Scheduler issues the fixed read sequence once per period.
type Scheduler struct {
	sender    Sender
	telemetry SnapshotSource
	evaluator Evaluator
	setpoints SetpointSource
	period    time.Duration
	fans      uint8
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithPeriod overrides DefaultPeriod.
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithSetpointSource adds the fan controller's set-point to the status line.
func WithSetpointSource(src SetpointSource) Option {
	return func(s *Scheduler) {
		s.setpoints = src
	}
}

// NewScheduler creates a scheduler. evaluator may be nil to poll only.
func NewScheduler(sender Sender, source SnapshotSource, evaluator Evaluator, opts ...Option) *Scheduler {
	s := &Scheduler{
		sender:    sender,
		telemetry: source,
		evaluator: evaluator,
		period:    DefaultPeriod,
		fans:      protocol.FanCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled. The first cycle starts immediately and
// is followed by the one-shot version reads.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Dur("period", s.period).Msg("Poll scheduler started")
	defer log.Info().Msg("Poll scheduler stopped")

	s.Cycle(ctx)
	s.ReadInfo(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle reads every fan, the pump mode, the pump speed and the coolant
// temperature, logs the snapshot and evaluates the controller.
func (s *Scheduler) Cycle(ctx context.Context) {
	requests := make([]protocol.Frame, 0, int(s.fans)+3)
	for fan := uint8(0); fan < s.fans; fan++ {
		requests = append(requests, protocol.GetFanSpeed(fan))
	}
	requests = append(requests,
		protocol.GetPumpMode(),
		protocol.GetPumpSpeed(),
		protocol.GetTemperature(),
	)

	if !s.sendAll(ctx, requests) {
		return
	}

	s.logStatus()

	if s.evaluator == nil {
		return
	}
	if err := s.evaluator.Evaluate(ctx); err != nil {
		log.Warn().Err(err).Msg("Pump controller evaluation failed")
	}
}

// ReadInfo requests the firmware and hardware versions.
func (s *Scheduler) ReadInfo(ctx context.Context) {
	s.sendAll(ctx, []protocol.Frame{
		protocol.GetFirmwareVersion(),
		protocol.GetHardwareVersion(),
	})
}

// sendAll sends every frame, logging failures. No frame is started once ctx
// is done, but a frame already started is not cut short. It reports false
// once ctx is done.
func (s *Scheduler) sendAll(ctx context.Context, frames []protocol.Frame) bool {
	for _, frame := range frames {
		if ctx.Err() != nil {
			return false
		}
		if err := s.sender.Send(context.WithoutCancel(ctx), frame); err != nil {
			log.Warn().Err(err).Str("request", frame.Opcode().String()).Msg("Poll request failed")
		}
	}
	return ctx.Err() == nil
}

func (s *Scheduler) logStatus() {
	snap := s.telemetry.Snapshot()

	event := log.Info()
	if snap.HasTemperature {
		event = event.Str("temperature", snap.Temperature.String())
	}
	if snap.HasPumpMode {
		event = event.Str("pumpMode", snap.PumpMode.String())
	}
	if snap.HasPumpRPM {
		event = event.Uint16("pumpRPM", snap.PumpRPM)
	}
	for fan := uint8(0); fan < s.fans; fan++ {
		if rpm, ok := snap.FanRPM[fan]; ok {
			event = event.Uint16(fanKey(fan), rpm)
		}
	}
	if s.setpoints != nil {
		if sp, ok := s.setpoints.Setpoint(); ok {
			event = event.
				Float64("fanCtrlTemperature", sp.TemperatureCurrent).
				Float64("fanCtrlDuty", sp.PWMDutyPct).
				Bool("fanCtrlPID", bool(sp.PIDControl))
		}
	}
	event.Msg("Cooler status")
}

func fanKey(fan uint8) string {
	return "fan" + strconv.Itoa(int(fan)) + "RPM"
}
