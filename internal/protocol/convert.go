// SPDX-License-Identifier: GPL-3.0-only

package protocol

import (
	"math"
	"strconv"
)

const (
	// MinDuty is the lowest fan PWM duty cycle in percent.
	MinDuty = 0

	// MaxDuty is the highest fan PWM duty cycle in percent.
	MaxDuty = 100

	// MinFanRPM is the lowest fan RPM target accepted by the device.
	MinFanRPM = 0

	// MaxFanRPM is the highest fan RPM target accepted by the device.
	MaxFanRPM = 1600

	// FanCount is the number of fan headers on the controller.
	FanCount = 3
)

// Decidegrees is a temperature in tenths of a degree Celsius, the resolution
// of the device's wire format.
type Decidegrees int

// TemperatureFromWire combines the integer and fractional bytes of a
// temperature response.
func TemperatureFromWire(integer, fraction byte) Decidegrees {
	return Decidegrees(int(integer)*10 + int(fraction))
}

// FromCelsius converts degrees Celsius to decidegrees, rounding to the nearest tenth.
func FromCelsius(c float64) Decidegrees {
	return Decidegrees(math.Round(c * 10))
}

// Celsius returns the temperature in degrees Celsius.
func (d Decidegrees) Celsius() float64 {
	return float64(d) / 10
}

// String formats the temperature with at most one decimal, e.g. "28.4" or "30".
func (d Decidegrees) String() string {
	return strconv.FormatFloat(d.Celsius(), 'f', -1, 64)
}

// ClampDuty limits a duty cycle to 0-100 percent.
func ClampDuty(duty int) uint8 {
	if duty < MinDuty {
		return MinDuty
	}
	if duty > MaxDuty {
		return MaxDuty
	}
	return uint8(duty)
}

// ClampRPM limits a fan RPM target to the range the device accepts.
func ClampRPM(rpm int) uint16 {
	if rpm < MinFanRPM {
		return MinFanRPM
	}
	if rpm > MaxFanRPM {
		return MaxFanRPM
	}
	return uint16(rpm)
}
