// SPDX-License-Identifier: GPL-3.0-only

// Package dbus provides the D-Bus service for reading and driving the cooler.
package dbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/shini4i/asetek-cooler-daemon/internal/telemetry"
)

// ErrRateLimitExceeded is returned when setter calls exceed the rate limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrInvalidFan is returned for a fan index the cooler does not have.
var ErrInvalidFan = fmt.Errorf("fan must be between 0 and %d", protocol.FanCount-1)

// ErrNotReported is returned when the cooler has not reported a value yet.
var ErrNotReported = errors.New("value not reported by the cooler yet")

// ErrInvalidTemperature is returned for a target outside (0, 100) °C.
var ErrInvalidTemperature = errors.New("target temperature must be between 0 and 100")

const (
	// rateLimitPerSecond is the maximum number of setter calls per second.
	rateLimitPerSecond = 20

	// rateLimitBurst is the maximum burst size for setter calls.
	rateLimitBurst = 5

	// requestTimeout bounds the USB work done for one method call.
	requestTimeout = 2 * time.Second
)

const (
	// ServiceName is the D-Bus service name.
	ServiceName = "io.github.shini4i.AsetekCooler"

	// ObjectPath is the D-Bus object path.
	ObjectPath = "/io/github/shini4i/AsetekCooler"

	// InterfaceName is the D-Bus interface name.
	InterfaceName = "io.github.shini4i.AsetekCooler"
)

// IntrospectXML is the D-Bus introspection XML for the service.
const IntrospectXML = `
<node name="` + ObjectPath + `">
  <interface name="` + InterfaceName + `">
    <method name="GetTemperature">
      <arg name="celsius" type="d" direction="out"/>
    </method>
    <method name="GetTargetTemperature">
      <arg name="celsius" type="d" direction="out"/>
    </method>
    <method name="GetPumpMode">
      <arg name="mode" type="s" direction="out"/>
    </method>
    <method name="GetPumpSpeed">
      <arg name="rpm" type="u" direction="out"/>
    </method>
    <method name="GetFanSpeeds">
      <arg name="rpm" type="au" direction="out"/>
    </method>
    <method name="GetVersions">
      <arg name="firmware" type="s" direction="out"/>
      <arg name="hardware" type="u" direction="out"/>
    </method>
    <method name="SetFanPwm">
      <arg name="fan" type="u" direction="in"/>
      <arg name="duty" type="u" direction="in"/>
    </method>
    <method name="SetFanRpm">
      <arg name="fan" type="u" direction="in"/>
      <arg name="rpm" type="u" direction="in"/>
    </method>
    <method name="SetFanCurve">
      <arg name="fan" type="u" direction="in"/>
      <arg name="temperatures" type="ay" direction="in"/>
      <arg name="duties" type="ay" direction="in"/>
    </method>
    <method name="SetPumpMode">
      <arg name="mode" type="s" direction="in"/>
    </method>
    <method name="SetTargetTemperature">
      <arg name="celsius" type="d" direction="in"/>
    </method>
    <signal name="TemperatureChanged">
      <arg name="celsius" type="d"/>
    </signal>
    <signal name="PumpModeChanged">
      <arg name="mode" type="s"/>
    </signal>
  </interface>
  ` + introspect.IntrospectDataString + `
</node>
`

// TelemetrySource provides the latest cooler readings.
type TelemetrySource interface {
	Snapshot() telemetry.Snapshot
}

// Sender writes one frame to the cooler.
type Sender interface {
	Send(ctx context.Context, frame protocol.Frame) error
}

// PumpController owns the pump mode and the target temperature.
type PumpController interface {
	SetPumpMode(ctx context.Context, mode protocol.PumpMode) error
	SetTargetTemperature(t protocol.Decidegrees)
	TargetTemperature() protocol.Decidegrees
}

// Server implements the D-Bus service.
//
// Thread safety:
//   - The telemetry source, sender and controller are individually thread-safe.
//   - The connMu mutex protects the D-Bus connection field for signal emission.
//   - The signalMu mutex protects the last emitted temperature.
type Server struct {
	conn        *dbus.Conn
	connMu      sync.RWMutex // Protects conn field only
	telemetry   TelemetrySource
	sender      Sender
	pump        PumpController
	rateLimiter *rate.Limiter

	signalMu        sync.Mutex
	lastTemperature protocol.Decidegrees
	hasTemperature  bool
}

// NewServer creates a new D-Bus server.
func NewServer(source TelemetrySource, sender Sender, pump PumpController) *Server {
	return &Server{
		telemetry:   source,
		sender:      sender,
		pump:        pump,
		rateLimiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// Start connects to the session bus, or the system bus when systemBus is
// set, and exports the service.
func (s *Server) Start(systemBus bool) error {
	connect, busName := dbus.ConnectSessionBus, "session"
	if systemBus {
		connect, busName = dbus.ConnectSystemBus, "system"
	}

	conn, err := connect()
	if err != nil {
		return fmt.Errorf("failed to connect to %s bus: %w", busName, err)
	}

	// Ensure connection is closed if setup fails
	success := false
	defer func() {
		if !success {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close D-Bus connection during cleanup")
			}
		}
	}()

	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("failed to export server: %w", err)
	}

	err = conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	success = true
	log.Info().Str("service", ServiceName).Str("bus", busName).Msg("D-Bus service started")
	return nil
}

// Stop disconnects from the bus.
func (s *Server) Stop() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// GetTemperature returns the coolant temperature in °C.
func (s *Server) GetTemperature() (float64, *dbus.Error) {
	snap := s.telemetry.Snapshot()
	if !snap.HasTemperature {
		return 0, dbus.MakeFailedError(ErrNotReported)
	}
	return snap.Temperature.Celsius(), nil
}

// GetTargetTemperature returns the controller target in °C.
func (s *Server) GetTargetTemperature() (float64, *dbus.Error) {
	return s.pump.TargetTemperature().Celsius(), nil
}

// GetPumpMode returns the reported pump mode.
func (s *Server) GetPumpMode() (string, *dbus.Error) {
	snap := s.telemetry.Snapshot()
	if !snap.HasPumpMode {
		return "", dbus.MakeFailedError(ErrNotReported)
	}
	return snap.PumpMode.String(), nil
}

// GetPumpSpeed returns the pump speed in RPM.
func (s *Server) GetPumpSpeed() (uint32, *dbus.Error) {
	snap := s.telemetry.Snapshot()
	if !snap.HasPumpRPM {
		return 0, dbus.MakeFailedError(ErrNotReported)
	}
	return uint32(snap.PumpRPM), nil
}

// GetFanSpeeds returns the speed of every fan in RPM, zero for fans not
// reported yet.
func (s *Server) GetFanSpeeds() ([]uint32, *dbus.Error) {
	snap := s.telemetry.Snapshot()
	speeds := make([]uint32, protocol.FanCount)
	for fan := range speeds {
		speeds[fan] = uint32(snap.FanRPM[uint8(fan)]) // #nosec G115 -- fan < FanCount
	}
	return speeds, nil
}

// GetVersions returns the firmware version string and hardware revision.
func (s *Server) GetVersions() (string, uint32, *dbus.Error) {
	snap := s.telemetry.Snapshot()
	if snap.Firmware == "" && !snap.HasHardware {
		return "", 0, dbus.MakeFailedError(ErrNotReported)
	}
	return snap.Firmware, uint32(snap.Hardware), nil
}

// SetFanPwm sets a fan duty cycle percentage; values above 100 are clamped.
func (s *Server) SetFanPwm(fan, duty uint32) *dbus.Error {
	if err := s.checkSetter("SetFanPwm", fan); err != nil {
		return err
	}

	frame := protocol.SetFanPWM(uint8(fan), int(min(duty, protocol.MaxDuty))) // #nosec G115 -- fan validated
	if err := s.send(frame); err != nil {
		return err
	}

	log.Debug().Uint32("fan", fan).Uint32("duty", duty).Msg("Set fan duty")
	return nil
}

// SetFanRpm sets a fan speed target; values above the fan maximum are clamped.
func (s *Server) SetFanRpm(fan, rpm uint32) *dbus.Error {
	if err := s.checkSetter("SetFanRpm", fan); err != nil {
		return err
	}

	frame := protocol.SetFanRPM(uint8(fan), int(min(rpm, protocol.MaxFanRPM))) // #nosec G115 -- fan validated
	if err := s.send(frame); err != nil {
		return err
	}

	log.Debug().Uint32("fan", fan).Uint32("rpm", rpm).Msg("Set fan speed")
	return nil
}

// SetFanCurve uploads a temperature/duty curve. Extra points on the longer
// list are dropped.
func (s *Server) SetFanCurve(fan uint32, temperatures, duties []byte) *dbus.Error {
	if err := s.checkSetter("SetFanCurve", fan); err != nil {
		return err
	}

	points := make([]int, len(duties))
	for i, d := range duties {
		points[i] = int(d)
	}

	frame := protocol.SetFanCurve(uint8(fan), temperatures, points) // #nosec G115 -- fan validated
	if err := s.send(frame); err != nil {
		return err
	}

	log.Debug().Uint32("fan", fan).Int("points", min(len(temperatures), len(duties))).Msg("Set fan curve")
	return nil
}

// SetPumpMode commands a pump mode. The controller may change it again on
// its next evaluation.
func (s *Server) SetPumpMode(mode string) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for SetPumpMode")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	parsed, err := protocol.ParsePumpMode(mode)
	if err != nil {
		return dbus.MakeFailedError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.pump.SetPumpMode(ctx, parsed); err != nil {
		log.Error().Err(err).Str("mode", mode).Msg("Failed to set pump mode")
		return dbus.MakeFailedError(err)
	}

	log.Debug().Str("mode", mode).Msg("Set pump mode")
	return nil
}

// SetTargetTemperature changes the controller target.
func (s *Server) SetTargetTemperature(celsius float64) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for SetTargetTemperature")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if celsius <= 0 || celsius >= 100 {
		return dbus.MakeFailedError(ErrInvalidTemperature)
	}

	s.pump.SetTargetTemperature(protocol.FromCelsius(celsius))
	return nil
}

func (s *Server) checkSetter(method string, fan uint32) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Msgf("Rate limit exceeded for %s", method)
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}
	if fan >= protocol.FanCount {
		return dbus.MakeFailedError(ErrInvalidFan)
	}
	return nil
}

func (s *Server) send(frame protocol.Frame) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.sender.Send(ctx, frame); err != nil {
		log.Error().Err(err).Str("command", frame.Opcode().String()).Msg("Failed to send command")
		return dbus.MakeFailedError(err)
	}
	return nil
}

// EmitTemperatureChanged emits TemperatureChanged when the reading differs
// from the last one emitted.
func (s *Server) EmitTemperatureChanged(t protocol.Decidegrees) {
	s.signalMu.Lock()
	if s.hasTemperature && s.lastTemperature == t {
		s.signalMu.Unlock()
		return
	}
	s.lastTemperature, s.hasTemperature = t, true
	s.signalMu.Unlock()

	s.emit("TemperatureChanged", t.Celsius())
}

// EmitPumpModeChanged emits the PumpModeChanged signal.
func (s *Server) EmitPumpModeChanged(mode protocol.PumpMode) {
	s.emit("PumpModeChanged", mode.String())
}

func (s *Server) emit(signal string, values ...any) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	if err := conn.Emit(ObjectPath, InterfaceName+"."+signal, values...); err != nil {
		log.Error().Err(err).Msgf("Failed to emit %s signal", signal)
	}
}
