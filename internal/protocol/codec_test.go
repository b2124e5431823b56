package protocol_test

import (
	"testing"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		frame    protocol.Frame
		expected []byte
	}{
		{name: "firmware version", frame: protocol.GetFirmwareVersion(), expected: []byte{0xAA}},
		{name: "hardware version", frame: protocol.GetHardwareVersion(), expected: []byte{0xAB}},
		{name: "temperature", frame: protocol.GetTemperature(), expected: []byte{0xA9}},
		{name: "fan speed", frame: protocol.GetFanSpeed(2), expected: []byte{0x41, 0x02}},
		{name: "pump mode", frame: protocol.GetPumpMode(), expected: []byte{0x33}},
		{name: "pump speed", frame: protocol.GetPumpSpeed(), expected: []byte{0x31}},
		{name: "fan pwm", frame: protocol.SetFanPWM(1, 40), expected: []byte{0x42, 0x01, 40}},
		{name: "fan pwm below range", frame: protocol.SetFanPWM(0, -5), expected: []byte{0x42, 0x00, 0}},
		{name: "fan pwm above range", frame: protocol.SetFanPWM(0, 150), expected: []byte{0x42, 0x00, 100}},
		{name: "fan rpm", frame: protocol.SetFanRPM(0, 700), expected: []byte{0x43, 0x00, 0x02, 0xBC}},
		{name: "fan rpm below range", frame: protocol.SetFanRPM(0, -1), expected: []byte{0x43, 0x00, 0x00, 0x00}},
		{name: "fan rpm above range", frame: protocol.SetFanRPM(0, 2000), expected: []byte{0x43, 0x00, 0x06, 0x40}},
		{name: "pump mode quiet", frame: protocol.SetPumpMode(protocol.Quiet), expected: []byte{0x32, 0x00}},
		{name: "pump mode performance", frame: protocol.SetPumpMode(protocol.Performance), expected: []byte{0x32, 0x02}},
		{name: "pump mode out of range defaults to performance", frame: protocol.SetPumpMode(protocol.PumpMode(7)), expected: []byte{0x32, 0x02}},
		{
			name:     "fan curve",
			frame:    protocol.SetFanCurve(1, []uint8{20, 30, 40}, []int{10, 50, 120}),
			expected: []byte{0x40, 0x01, 20, 30, 40, 10, 50, 100},
		},
		{
			name:     "fan curve truncates unpaired points",
			frame:    protocol.SetFanCurve(0, []uint8{20, 30, 40}, []int{10, 50}),
			expected: []byte{0x40, 0x00, 20, 30, 10, 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, []byte(tt.frame))
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected protocol.Event
	}{
		{
			name:     "firmware version",
			data:     []byte{0xAA, 0x00, 0x00, 2, 0, 10, 1},
			expected: protocol.FirmwareVersion{Version: "2.0.10.1"},
		},
		{
			name:     "hardware version",
			data:     []byte{0xAB, 0x00, 0x00, 3},
			expected: protocol.HardwareVersion{Revision: 3},
		},
		{
			name:     "temperature",
			data:     []byte{0xA9, 0x00, 0x00, 28, 4},
			expected: protocol.Temperature{Value: 284},
		},
		{
			name:     "fan speed multiplexed by fan index",
			data:     []byte{0x41, 0x12, 0x34, 0x02, 0x02, 0xBC},
			expected: protocol.FanSpeed{Fan: 2, RPM: 700},
		},
		{
			name:     "pump mode",
			data:     []byte{0x33, 0x00, 0x00, 0x01},
			expected: protocol.PumpModeReport{Mode: protocol.Balanced},
		},
		{
			name:     "pump speed",
			data:     []byte{0x31, 0x00, 0x00, 0x0B, 0xB8},
			expected: protocol.PumpSpeed{RPM: 3000},
		},
		{
			name:     "positive ack",
			data:     []byte{0x42, 0x12, 0x34},
			expected: protocol.CommandAck{Command: protocol.OpSetFanPWM, OK: true},
		},
		{
			name:     "negative ack",
			data:     []byte{0x32, 0x00, 0x00},
			expected: protocol.CommandAck{Command: protocol.OpSetPumpMode, OK: false},
		},
		{
			name:     "fault surfaced as-is",
			data:     []byte{0x8F, 0x01, 0x02},
			expected: protocol.Fault{Raw: []byte{0x8F, 0x01, 0x02}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, protocol.Decode(tt.data))
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty frame", data: nil},
		{name: "one byte fan speed frame", data: []byte{0x41}},
		{name: "short temperature frame", data: []byte{0xA9, 0x00, 0x00, 28}},
		{name: "short ack", data: []byte{0x43, 0x12}},
		{name: "unknown opcode", data: []byte{0x99, 0x01}},
		{name: "pump mode out of range", data: []byte{0x33, 0x00, 0x00, 0x05}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var event protocol.Event
			require.NotPanics(t, func() {
				event = protocol.Decode(tt.data)
			})
			unknown, ok := event.(protocol.Unknown)
			require.True(t, ok, "expected Unknown, got %T", event)
			assert.NotEmpty(t, unknown.Reason)
			assert.Equal(t, len(tt.data), len(unknown.Raw))
		})
	}
}

func TestDecode_CopiesRawPayload(t *testing.T) {
	data := []byte{0x8F, 0x01}
	event := protocol.Decode(data)
	data[1] = 0xFF

	fault, ok := event.(protocol.Fault)
	require.True(t, ok)
	assert.Equal(t, byte(0x01), fault.Raw[1])
}

// response builds a frame the way the device lays out replies: opcode, two
// header bytes, then the payload.
func response(op protocol.Opcode, payload ...byte) []byte {
	return append([]byte{byte(op), 0x00, 0x00}, payload...)
}

func TestDecode_RoundTrip(t *testing.T) {
	t.Run("temperature", func(t *testing.T) {
		for whole := byte(0); whole < 100; whole += 7 {
			for frac := byte(0); frac < 10; frac++ {
				want := protocol.TemperatureFromWire(whole, frac)
				event := protocol.Decode(response(protocol.OpGetTemperature, whole, frac))
				assert.Equal(t, protocol.Temperature{Value: want}, event)
			}
		}
	})

	t.Run("fan rpm", func(t *testing.T) {
		for _, rpm := range []int{0, 1, 255, 256, 700, 1600} {
			encoded := protocol.SetFanRPM(1, rpm)
			event := protocol.Decode(response(protocol.OpGetFanSpeed, 1, encoded[2], encoded[3]))
			assert.Equal(t, protocol.FanSpeed{Fan: 1, RPM: uint16(rpm)}, event)
		}
	})

	t.Run("pump mode", func(t *testing.T) {
		for _, mode := range []protocol.PumpMode{protocol.Quiet, protocol.Balanced, protocol.Performance} {
			encoded := protocol.SetPumpMode(mode)
			event := protocol.Decode(response(protocol.OpGetPumpMode, encoded[1]))
			assert.Equal(t, protocol.PumpModeReport{Mode: mode}, event)
		}
	})

	t.Run("firmware version", func(t *testing.T) {
		event := protocol.Decode(response(protocol.OpGetFirmwareVersion, 1, 2, 3, 4))
		assert.Equal(t, protocol.FirmwareVersion{Version: "1.2.3.4"}, event)
	})
}

func TestCommandAck_Err(t *testing.T) {
	assert.NoError(t, protocol.CommandAck{Command: protocol.OpSetFanPWM, OK: true}.Err())

	err := protocol.CommandAck{Command: protocol.OpSetPumpMode}.Err()
	var actuationErr *protocol.ActuationError
	require.ErrorAs(t, err, &actuationErr)
	assert.Equal(t, protocol.OpSetPumpMode, actuationErr.Command)
	assert.Contains(t, err.Error(), "SetPumpMode")
}

func TestPumpMode_Text(t *testing.T) {
	for _, mode := range []protocol.PumpMode{protocol.Quiet, protocol.Balanced, protocol.Performance} {
		text, err := mode.MarshalText()
		require.NoError(t, err)

		var parsed protocol.PumpMode
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, mode, parsed)
	}

	_, err := protocol.ParsePumpMode("turbo")
	assert.Error(t, err)
	assert.False(t, protocol.PumpMode(3).Valid())
}

func TestFrame_String(t *testing.T) {
	assert.Equal(t, "43 00 06 40", protocol.SetFanRPM(0, 2000).String())
	assert.Equal(t, protocol.OpSetFanRPM, protocol.SetFanRPM(0, 2000).Opcode())
	assert.Equal(t, protocol.Opcode(0), protocol.Frame(nil).Opcode())
}
