// Package usb owns the USB session with the cooler: device handle, interface
// claim, endpoints and the inbound stream.
package usb

//go:generate mockgen -source=device.go -destination=mocks/device_mock.go -package=mocks

import "context"

// EndpointAddress is a USB endpoint address: direction bit plus endpoint number.
type EndpointAddress uint8

// Number returns the endpoint number without the direction bit.
func (a EndpointAddress) Number() int {
	return int(a & 0x0f)
}

// IsIn reports whether the endpoint carries device-to-host traffic.
func (a EndpointAddress) IsIn() bool {
	return a&0x80 != 0
}

// Device represents an open USB device handle.
// This interface allows for mocking in tests.
type Device interface {
	// Control issues a control transfer on endpoint zero.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	// Reset issues a USB bus reset of the device.
	Reset() error

	// ClaimInterface claims the given interface of the active configuration.
	ClaimInterface(num int) (Interface, error)

	// Close closes the device handle.
	Close() error
}

// Interface represents a claimed USB interface.
type Interface interface {
	// Endpoints returns the addresses of all endpoints of the interface's
	// active alternate setting, in ascending order.
	Endpoints() []EndpointAddress

	// Write performs one OUT transfer on the given endpoint.
	Write(ctx context.Context, ep EndpointAddress, data []byte) (int, error)

	// OpenStream starts continuous reception on an IN endpoint using count
	// transfers of size bytes each.
	OpenStream(ep EndpointAddress, size, count int) (Stream, error)

	// Release releases the interface claim.
	Release() error
}

// Stream is a continuous IN transfer stream.
type Stream interface {
	// ReadContext reads the next completed transfer into p.
	ReadContext(ctx context.Context, p []byte) (int, error)

	// Close stops the stream and cancels pending transfers.
	Close() error
}

// DeviceOpener is a function type that opens a USB device by identity.
// It returns ErrDeviceNotFound when no device matches.
type DeviceOpener func(vendorID, productID uint16) (Device, error)
