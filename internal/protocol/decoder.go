package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Event is a decoded inbound frame.
type Event interface {
	// Opcode returns the response opcode the event was decoded from.
	Opcode() Opcode
}

// FanSpeed reports the RPM of one fan.
type FanSpeed struct {
	Fan uint8
	RPM uint16
}

// PumpSpeed reports the pump RPM.
type PumpSpeed struct {
	RPM uint16
}

// PumpModeReport reports the pump mode currently active on the device.
type PumpModeReport struct {
	Mode PumpMode
}

// Temperature reports the coolant temperature.
type Temperature struct {
	Value Decidegrees
}

// FirmwareVersion reports the firmware version as major.minor.patch.build.
type FirmwareVersion struct {
	Version string
}

// HardwareVersion reports the hardware revision.
type HardwareVersion struct {
	Revision uint8
}

// CommandAck is the reply to a set command. OK is true when the ack magic matched.
type CommandAck struct {
	Command Opcode
	OK      bool
}

// Fault is an unsolicited fault report; the payload is surfaced as-is.
type Fault struct {
	Raw []byte
}

// Unknown is any frame that could not be decoded.
type Unknown struct {
	Raw    []byte
	Reason string
}

func (FanSpeed) Opcode() Opcode        { return OpGetFanSpeed }
func (PumpSpeed) Opcode() Opcode       { return OpGetPumpSpeed }
func (PumpModeReport) Opcode() Opcode  { return OpGetPumpMode }
func (Temperature) Opcode() Opcode     { return OpGetTemperature }
func (FirmwareVersion) Opcode() Opcode { return OpGetFirmwareVersion }
func (HardwareVersion) Opcode() Opcode { return OpGetHardwareVersion }
func (a CommandAck) Opcode() Opcode    { return a.Command }
func (Fault) Opcode() Opcode           { return OpFault }

func (u Unknown) Opcode() Opcode {
	if len(u.Raw) == 0 {
		return 0
	}
	return Opcode(u.Raw[0])
}

// Err returns an *ActuationError when the device rejected the command.
func (a CommandAck) Err() error {
	if a.OK {
		return nil
	}
	return &ActuationError{Command: a.Command}
}

// responseLength is the minimum inbound frame size per response opcode.
var responseLength = map[Opcode]int{
	OpGetFirmwareVersion: 7,
	OpGetHardwareVersion: 4,
	OpGetTemperature:     5,
	OpGetFanSpeed:        6,
	OpSetFanPWM:          3,
	OpSetFanRPM:          3,
	OpGetPumpMode:        4,
	OpGetPumpSpeed:       5,
	OpSetPumpMode:        3,
	OpFault:              1,
}

// Decode turns one inbound frame into an Event. It never fails: frames that
// are short, carry an unknown opcode or an out of range value decode to Unknown.
// Raw payloads are copied so the caller may reuse data.
func Decode(data []byte) Event {
	if len(data) == 0 {
		return Unknown{Reason: "empty frame"}
	}

	op := Opcode(data[0])
	need, ok := responseLength[op]
	if !ok {
		return Unknown{Raw: bytes.Clone(data), Reason: "unknown opcode"}
	}
	if len(data) < need {
		return Unknown{
			Raw:    bytes.Clone(data),
			Reason: fmt.Sprintf("short %s frame: %d of %d bytes", op, len(data), need),
		}
	}

	switch op {
	case OpGetFirmwareVersion:
		return FirmwareVersion{Version: fmt.Sprintf("%d.%d.%d.%d", data[3], data[4], data[5], data[6])}
	case OpGetHardwareVersion:
		return HardwareVersion{Revision: data[3]}
	case OpGetTemperature:
		return Temperature{Value: TemperatureFromWire(data[3], data[4])}
	case OpGetFanSpeed:
		return FanSpeed{Fan: data[3], RPM: binary.BigEndian.Uint16(data[4:6])}
	case OpGetPumpMode:
		mode := PumpMode(data[3])
		if !mode.Valid() {
			return Unknown{Raw: bytes.Clone(data), Reason: fmt.Sprintf("pump mode %d out of range", data[3])}
		}
		return PumpModeReport{Mode: mode}
	case OpGetPumpSpeed:
		return PumpSpeed{RPM: binary.BigEndian.Uint16(data[3:5])}
	case OpSetFanPWM, OpSetFanRPM, OpSetPumpMode:
		return CommandAck{Command: op, OK: data[1] == AckMagic[0] && data[2] == AckMagic[1]}
	default:
		return Fault{Raw: bytes.Clone(data)}
	}
}
