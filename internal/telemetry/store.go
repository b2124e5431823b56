// SPDX-License-Identifier: GPL-3.0-only

// Package telemetry keeps the latest decoded value of every cooler reading.
package telemetry

import (
	"bytes"
	"maps"
	"sync"
	"time"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
)

// Snapshot is a point-in-time copy of the store. The Has* flags tell a
// reading that was never received apart from a zero reading.
type Snapshot struct {
	FanRPM map[uint8]uint16

	PumpRPM    uint16
	HasPumpRPM bool

	PumpMode    protocol.PumpMode
	HasPumpMode bool

	Temperature    protocol.Decidegrees
	HasTemperature bool

	Firmware    string
	Hardware    uint8
	HasHardware bool

	// Acks records whether the last acknowledgment per command matched.
	Acks        map[protocol.Opcode]bool
	LastFault   []byte
	LastUnknown *protocol.Unknown

	UpdatedAt time.Time
}

// Store holds the latest snapshot. Apply is meant to be called by a single
// dispatcher goroutine; Snapshot may be called from anywhere.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		snap: Snapshot{
			FanRPM: make(map[uint8]uint16),
			Acks:   make(map[protocol.Opcode]bool),
		},
		now: time.Now,
	}
}

// Apply folds one event into the store and reports whether the stored value
// changed.
func (s *Store) Apply(event protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := true
	switch e := event.(type) {
	case protocol.FanSpeed:
		prev, ok := s.snap.FanRPM[e.Fan]
		changed = !ok || prev != e.RPM
		s.snap.FanRPM[e.Fan] = e.RPM
	case protocol.PumpSpeed:
		changed = !s.snap.HasPumpRPM || s.snap.PumpRPM != e.RPM
		s.snap.PumpRPM, s.snap.HasPumpRPM = e.RPM, true
	case protocol.PumpModeReport:
		changed = !s.snap.HasPumpMode || s.snap.PumpMode != e.Mode
		s.snap.PumpMode, s.snap.HasPumpMode = e.Mode, true
	case protocol.Temperature:
		changed = !s.snap.HasTemperature || s.snap.Temperature != e.Value
		s.snap.Temperature, s.snap.HasTemperature = e.Value, true
	case protocol.FirmwareVersion:
		changed = s.snap.Firmware != e.Version
		s.snap.Firmware = e.Version
	case protocol.HardwareVersion:
		changed = !s.snap.HasHardware || s.snap.Hardware != e.Revision
		s.snap.Hardware, s.snap.HasHardware = e.Revision, true
	case protocol.CommandAck:
		s.snap.Acks[e.Command] = e.OK
	case protocol.Fault:
		s.snap.LastFault = bytes.Clone(e.Raw)
	case protocol.Unknown:
		unknown := protocol.Unknown{Raw: bytes.Clone(e.Raw), Reason: e.Reason}
		s.snap.LastUnknown = &unknown
	default:
		return false
	}

	s.snap.UpdatedAt = s.now()
	return changed
}

// Snapshot returns a copy that is safe to read without further locking.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snap
	snap.FanRPM = maps.Clone(s.snap.FanRPM)
	snap.Acks = maps.Clone(s.snap.Acks)
	snap.LastFault = bytes.Clone(s.snap.LastFault)
	if s.snap.LastUnknown != nil {
		unknown := *s.snap.LastUnknown
		unknown.Raw = bytes.Clone(unknown.Raw)
		snap.LastUnknown = &unknown
	}
	return snap
}
