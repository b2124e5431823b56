// SPDX-License-Identifier: GPL-3.0-only

// Package fanlink talks to the external fan curve controller over a serial
// port. The controller streams JSON set-points and receives the coolant
// temperature in return.
package fanlink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
)

const (
	// DefaultSerialNumber identifies the stock fan controller board.
	DefaultSerialNumber = "55739323930351F042C1"

	// DefaultBaudRate is the controller's fixed line rate.
	DefaultBaudRate = 115200

	// maxLineLength bounds a single set-point line.
	maxLineLength = 4096
)

// Flag accepts both the 0/1 and the true/false encodings the controller uses.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", data)
	}
	return nil
}

// Setpoint is one status line reported by the fan controller.
type Setpoint struct {
	PIDControl         Flag    `json:"pidControl"`
	PWMDutyPct         float64 `json:"pwmDutyPct"`
	TemperatureCurrent float64 `json:"temperatureCurrent"`
}

// Sender writes one frame to the cooler.
type Sender interface {
	Send(ctx context.Context, frame protocol.Frame) error
}

// Open opens the serial port in 8N1 mode.
func Open(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}

// Link applies set-points from the controller to every cooler fan and
// forwards coolant temperature readings back to it.
//
// Thread safety:
//   - mu protects the last received set-point.
//   - writeMu serializes writes to the port.
type Link struct {
	port   io.ReadWriteCloser
	sender Sender
	fans   uint8

	mu      sync.RWMutex
	last    Setpoint
	hasLast bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New wraps an open port.
func New(port io.ReadWriteCloser, sender Sender) *Link {
	return &Link{
		port:   port,
		sender: sender,
		fans:   protocol.FanCount,
	}
}

// Run reads set-points until ctx is cancelled or the port fails. The port is
// closed when Run returns.
func (l *Link) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()
	defer func() {
		_ = l.Close()
	}()

	log.Info().Msg("Fan controller link started")

	scanner := bufio.NewScanner(l.port)
	scanner.Buffer(make([]byte, 0, 256), maxLineLength)
	for scanner.Scan() {
		l.handleLine(ctx, scanner.Bytes())
	}

	if ctx.Err() != nil {
		log.Info().Msg("Fan controller link stopped")
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read from fan controller: %w", err)
	}
	return errors.New("fan controller closed the link")
}

func (l *Link) handleLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var sp Setpoint
	if err := json.Unmarshal(line, &sp); err != nil {
		log.Debug().Err(err).Bytes("line", line).Msg("Ignoring malformed fan controller line")
		return
	}

	l.mu.Lock()
	l.last, l.hasLast = sp, true
	l.mu.Unlock()

	duty := int(math.Round(sp.PWMDutyPct))
	for fan := uint8(0); fan < l.fans; fan++ {
		if err := l.sender.Send(ctx, protocol.SetFanPWM(fan, duty)); err != nil {
			log.Warn().Err(err).Uint8("fan", fan).Int("duty", duty).Msg("Failed to apply fan duty")
		}
	}
}

// Setpoint returns the last set-point received.
func (l *Link) Setpoint() (Setpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.hasLast
}

// DutyPct returns the last requested fan duty.
func (l *Link) DutyPct() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last.PWMDutyPct, l.hasLast
}

// PublishTemperature sends the coolant temperature to the controller.
func (l *Link) PublishTemperature(t protocol.Decidegrees) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := io.WriteString(l.port, "#tmp"+t.String()+"\n"); err != nil {
		log.Debug().Err(err).Msg("Failed to publish temperature to fan controller")
	}
}

// Close closes the port. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.port.Close()
	})
	return l.closeErr
}
