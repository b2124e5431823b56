package usb

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/gousb"
	"github.com/rs/zerolog/log"
)

// GousbDevice wraps a libusb device opened through google/gousb to implement the Device interface.
type GousbDevice struct {
	ctx *gousb.Context
	dev *gousb.Device
}

// Verify GousbDevice implements Device interface.
var _ Device = (*GousbDevice)(nil)

// OpenGousbDevice opens the first device matching vendorID:productID.
func OpenGousbDevice(vendorID, productID uint16) (Device, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vendorID), gousb.ID(productID))
	if err != nil {
		closeContext(ctx)
		if dev != nil {
			_ = dev.Close()
		}
		return nil, fmt.Errorf("failed to open device %04x:%04x: %w", vendorID, productID, err)
	}
	if dev == nil {
		closeContext(ctx)
		return nil, fmt.Errorf("%w: %04x:%04x", ErrDeviceNotFound, vendorID, productID)
	}

	// A kernel driver bound to interface 0 would make the claim fail.
	if err := dev.SetAutoDetach(true); err != nil {
		log.Warn().Err(err).Msg("Failed to enable kernel driver auto-detach")
	}

	return &GousbDevice{ctx: ctx, dev: dev}, nil
}

// Control issues a control transfer on endpoint zero.
func (d *GousbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, val, idx, data)
	return n, classify(err)
}

// Reset issues a USB bus reset.
func (d *GousbDevice) Reset() error {
	return classify(d.dev.Reset())
}

// ClaimInterface claims interface num in the active configuration.
func (d *GousbDevice) ClaimInterface(num int) (Interface, error) {
	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("failed to read active configuration: %w", classify(err))
	}

	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("failed to select configuration %d: %w", cfgNum, classify(err))
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		if closeErr := cfg.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close configuration after claim failure")
		}
		return nil, fmt.Errorf("failed to claim interface %d: %w", num, classify(err))
	}

	return &gousbInterface{cfg: cfg, intf: intf, out: make(map[EndpointAddress]*gousb.OutEndpoint)}, nil
}

// Close closes the device handle and the libusb context.
func (d *GousbDevice) Close() error {
	err := d.dev.Close()
	if ctxErr := d.ctx.Close(); ctxErr != nil && err == nil {
		err = ctxErr
	}
	return err
}

type gousbInterface struct {
	cfg  *gousb.Config
	intf *gousb.Interface
	out  map[EndpointAddress]*gousb.OutEndpoint
}

func (i *gousbInterface) Endpoints() []EndpointAddress {
	addrs := make([]EndpointAddress, 0, len(i.intf.Setting.Endpoints))
	for addr := range i.intf.Setting.Endpoints {
		addrs = append(addrs, EndpointAddress(addr))
	}
	slices.Sort(addrs)
	return addrs
}

func (i *gousbInterface) Write(ctx context.Context, ep EndpointAddress, data []byte) (int, error) {
	out, ok := i.out[ep]
	if !ok {
		var err error
		out, err = i.intf.OutEndpoint(ep.Number())
		if err != nil {
			return 0, fmt.Errorf("failed to open OUT endpoint 0x%02x: %w", uint8(ep), classify(err))
		}
		i.out[ep] = out
	}

	n, err := out.WriteContext(ctx, data)
	return n, classify(err)
}

func (i *gousbInterface) OpenStream(ep EndpointAddress, size, count int) (Stream, error) {
	in, err := i.intf.InEndpoint(ep.Number())
	if err != nil {
		return nil, fmt.Errorf("failed to open IN endpoint 0x%02x: %w", uint8(ep), classify(err))
	}

	stream, err := in.NewStream(size, count)
	if err != nil {
		return nil, fmt.Errorf("failed to start stream on 0x%02x: %w", uint8(ep), classify(err))
	}
	return &gousbStream{stream: stream}, nil
}

func (i *gousbInterface) Release() error {
	i.intf.Close()
	return i.cfg.Close()
}

type gousbStream struct {
	stream *gousb.ReadStream
}

func (s *gousbStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	n, err := s.stream.ReadContext(ctx, p)
	return n, classify(err)
}

func (s *gousbStream) Close() error {
	return s.stream.Close()
}

// classify maps libusb errors onto the package's sentinel errors so callers
// do not depend on gousb.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorBusy):
		return fmt.Errorf("%w: %w", ErrInterfaceBusy, err)
	case errors.Is(err, gousb.ErrorNoDevice),
		errors.Is(err, gousb.ErrorIO),
		errors.Is(err, gousb.TransferNoDevice),
		errors.Is(err, gousb.TransferError):
		return fmt.Errorf("%w: %w", ErrEndpointIO, err)
	default:
		return err
	}
}

func closeContext(ctx *gousb.Context) {
	if err := ctx.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close libusb context")
	}
}
