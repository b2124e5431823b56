// SPDX-License-Identifier: GPL-3.0-only

// Package protocol implements the binary command/response codec spoken by
// Asetek-based liquid coolers over their bulk endpoints.
package protocol

import "fmt"

// Opcode is the first byte of every frame and selects its layout.
type Opcode byte

const (
	// OpSetFanCurve uploads a temperature/duty curve for one fan. The device sends no reply.
	OpSetFanCurve Opcode = 0x40
	// OpGetFanSpeed reads the RPM of one fan.
	OpGetFanSpeed Opcode = 0x41
	// OpSetFanPWM sets a fixed duty cycle for one fan.
	OpSetFanPWM Opcode = 0x42
	// OpSetFanRPM sets a target RPM for one fan.
	OpSetFanRPM Opcode = 0x43

	// OpGetPumpSpeed reads the pump RPM.
	OpGetPumpSpeed Opcode = 0x31
	// OpSetPumpMode selects the pump power mode.
	OpSetPumpMode Opcode = 0x32
	// OpGetPumpMode reads the pump power mode.
	OpGetPumpMode Opcode = 0x33

	// OpFault is sent unsolicited by the device when something is wrong.
	OpFault Opcode = 0x8F

	// OpGetTemperature reads the coolant temperature.
	OpGetTemperature Opcode = 0xA9
	// OpGetFirmwareVersion reads the firmware version.
	OpGetFirmwareVersion Opcode = 0xAA
	// OpGetHardwareVersion reads the hardware revision.
	OpGetHardwareVersion Opcode = 0xAB
)

// AckMagic is the two byte acknowledgment a set command carries at offsets 1-2.
var AckMagic = [2]byte{0x12, 0x34}

// String returns a readable name for the opcode.
func (o Opcode) String() string {
	switch o {
	case OpSetFanCurve:
		return "SetFanCurve"
	case OpGetFanSpeed:
		return "GetFanSpeed"
	case OpSetFanPWM:
		return "SetFanPWM"
	case OpSetFanRPM:
		return "SetFanRPM"
	case OpGetPumpSpeed:
		return "GetPumpSpeed"
	case OpSetPumpMode:
		return "SetPumpMode"
	case OpGetPumpMode:
		return "GetPumpMode"
	case OpFault:
		return "Fault"
	case OpGetTemperature:
		return "GetTemperature"
	case OpGetFirmwareVersion:
		return "GetFirmwareVersion"
	case OpGetHardwareVersion:
		return "GetHardwareVersion"
	default:
		return fmt.Sprintf("Opcode(0x%02X)", byte(o))
	}
}

// PumpMode is the discrete pump power setting.
type PumpMode uint8

const (
	// Quiet is the lowest pump power mode.
	Quiet PumpMode = iota
	// Balanced is the middle pump power mode.
	Balanced
	// Performance is the highest pump power mode.
	Performance
)

// Valid reports whether m is one of the three modes the device knows.
func (m PumpMode) Valid() bool {
	return m <= Performance
}

func (m PumpMode) String() string {
	switch m {
	case Quiet:
		return "quiet"
	case Balanced:
		return "balanced"
	case Performance:
		return "performance"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParsePumpMode converts the string form used in configuration and over D-Bus.
func ParsePumpMode(s string) (PumpMode, error) {
	switch s {
	case "quiet":
		return Quiet, nil
	case "balanced":
		return Balanced, nil
	case "performance":
		return Performance, nil
	default:
		return 0, fmt.Errorf("unknown pump mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m PumpMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *PumpMode) UnmarshalText(text []byte) error {
	mode, err := ParsePumpMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
