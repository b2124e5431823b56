// SPDX-License-Identifier: GPL-3.0-only

package fanlink

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrPortNotFound is returned when no serial port matches the serial number.
var ErrPortNotFound = errors.New("fan controller port not found")

// PortLister enumerates serial ports.
type PortLister func() ([]*enumerator.PortDetails, error)

// FindPort returns the path of the USB serial port with the given serial number.
func FindPort(serialNumber string, list PortLister) (string, error) {
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}

	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("failed to list serial ports: %w", err)
	}

	for _, port := range ports {
		if port == nil || !port.IsUSB {
			continue
		}
		if strings.EqualFold(port.SerialNumber, serialNumber) {
			return port.Name, nil
		}
	}
	return "", fmt.Errorf("%w: serial number %s", ErrPortNotFound, serialNumber)
}
