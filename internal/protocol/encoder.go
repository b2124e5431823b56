package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Frame is one complete protocol message: opcode followed by its payload.
type Frame []byte

// Opcode returns the first byte of the frame.
func (f Frame) Opcode() Opcode {
	if len(f) == 0 {
		return 0
	}
	return Opcode(f[0])
}

// String renders the frame as space separated hex bytes for logging.
func (f Frame) String() string {
	var b strings.Builder
	for i, v := range f {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// GetFirmwareVersion encodes a firmware version request.
func GetFirmwareVersion() Frame {
	return Frame{byte(OpGetFirmwareVersion)}
}

// GetHardwareVersion encodes a hardware revision request.
func GetHardwareVersion() Frame {
	return Frame{byte(OpGetHardwareVersion)}
}

// GetTemperature encodes a coolant temperature request.
func GetTemperature() Frame {
	return Frame{byte(OpGetTemperature)}
}

// GetFanSpeed encodes an RPM request for one fan.
func GetFanSpeed(fan uint8) Frame {
	return Frame{byte(OpGetFanSpeed), fan}
}

// SetFanPWM encodes a fixed duty cycle command. The duty is clamped to 0-100.
func SetFanPWM(fan uint8, duty int) Frame {
	return Frame{byte(OpSetFanPWM), fan, ClampDuty(duty)}
}

// SetFanRPM encodes an RPM target command. The RPM is clamped to 0-1600.
func SetFanRPM(fan uint8, rpm int) Frame {
	f := make(Frame, 4)
	f[0] = byte(OpSetFanRPM)
	f[1] = fan
	binary.BigEndian.PutUint16(f[2:4], ClampRPM(rpm))
	return f
}

// SetFanCurve encodes a custom curve. Temperatures and duties are paired by
// index; the longer list is truncated and duties are clamped to 0-100.
func SetFanCurve(fan uint8, temperatures []uint8, duties []int) Frame {
	n := min(len(temperatures), len(duties))
	f := make(Frame, 0, 2+2*n)
	f = append(f, byte(OpSetFanCurve), fan)
	f = append(f, temperatures[:n]...)
	for _, d := range duties[:n] {
		f = append(f, ClampDuty(d))
	}
	return f
}

// GetPumpMode encodes a pump mode request.
func GetPumpMode() Frame {
	return Frame{byte(OpGetPumpMode)}
}

// GetPumpSpeed encodes a pump RPM request.
func GetPumpSpeed() Frame {
	return Frame{byte(OpGetPumpSpeed)}
}

// SetPumpMode encodes a pump mode command. Unknown modes fall back to Performance.
func SetPumpMode(mode PumpMode) Frame {
	if !mode.Valid() {
		mode = Performance
	}
	return Frame{byte(OpSetPumpMode), byte(mode)}
}
