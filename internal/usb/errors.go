// SPDX-License-Identifier: GPL-3.0-only

package usb

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when no device matches the vendor/product identity.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInterfaceBusy is returned when the interface is claimed by another process or driver.
	ErrInterfaceBusy = errors.New("interface busy")

	// ErrEndpointIO marks endpoint-level hard I/O errors that end the session.
	ErrEndpointIO = errors.New("endpoint I/O error")

	// ErrNoEndpoints is returned when the claimed interface lacks an IN or OUT endpoint.
	ErrNoEndpoints = errors.New("interface has no usable endpoints")

	// ErrInvalidState is returned when an operation is invoked before its prerequisite step.
	ErrInvalidState = errors.New("invalid session state")

	// ErrSessionClosed is returned by lifecycle operations once teardown has begun.
	ErrSessionClosed = errors.New("session is shutting down")
)

// Step identifies a lifecycle step that can fail during acquisition.
type Step int

const (
	// StepFind locates the device by vendor/product identity.
	StepFind Step = iota + 1
	// StepOpen opens the device handle.
	StepOpen
	// StepControlTransfer configures flow control with a vendor request.
	StepControlTransfer
	// StepReset resets the device.
	StepReset
	// StepClaim claims interface 0.
	StepClaim
	// StepEndpointConfig selects endpoints and clears halts.
	StepEndpointConfig
	// StepPollStart starts the inbound stream.
	StepPollStart
)

func (s Step) String() string {
	switch s {
	case StepFind:
		return "device-not-found"
	case StepOpen:
		return "open"
	case StepControlTransfer:
		return "control-transfer"
	case StepReset:
		return "reset"
	case StepClaim:
		return "claim"
	case StepEndpointConfig:
		return "endpoint-config"
	case StepPollStart:
		return "poll-start"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// AcquisitionError is a fatal failure while acquiring the device.
type AcquisitionError struct {
	Step Step
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// TransferError is a single failed transfer.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsHardError reports whether err ends the session rather than a single transfer.
func IsHardError(err error) bool {
	return errors.Is(err, ErrEndpointIO)
}
