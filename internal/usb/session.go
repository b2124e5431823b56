// SPDX-License-Identifier: GPL-3.0-only

package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
)

const (
	// DefaultTransferTimeout bounds every OUT transfer.
	DefaultTransferTimeout = 500 * time.Millisecond

	// DefaultCommandSpacing is the minimum delay the firmware needs between commands.
	DefaultCommandSpacing = 50 * time.Millisecond

	// claimedInterface is the only interface the cooler exposes.
	claimedInterface = 0

	// maxConsecutiveReadErrors escalates a stream that keeps failing to a hard error.
	maxConsecutiveReadErrors = 5
)

// Control transfer parameters.
const (
	// requestTypeVendorOut is host-to-device | vendor | device recipient.
	requestTypeVendorOut uint8 = 0x40
	// requestFlowControl sets the software clear-to-send policy expected by the firmware.
	requestFlowControl uint8 = 0x02

	// requestTypeEndpointOut is host-to-device | standard | endpoint recipient.
	requestTypeEndpointOut uint8 = 0x02
	requestClearFeature    uint8 = 0x01
	featureEndpointHalt    uint16 = 0x00
)

// State is a step of the session lifecycle.
type State int

const (
	// StateClosed is the initial state; no handle is held.
	StateClosed State = iota
	// StateOpened means the device handle is open.
	StateOpened
	// StateInterfaceClaimed means interface 0 is claimed.
	StateInterfaceClaimed
	// StateEndpointsConfigured means IN and OUT endpoints are selected and usable.
	StateEndpointsConfigured
	// StateStreaming means inbound frames are being received.
	StateStreaming
	// StateShuttingDown is terminal; the session cannot be reused.
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateInterfaceClaimed:
		return "interface-claimed"
	case StateEndpointsConfigured:
		return "endpoints-configured"
	case StateStreaming:
		return "streaming"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the exclusive owner of one cooler: its handle, the claimed
// interface and both endpoints. Lifecycle operations are idempotent and
// Teardown is safe to call from any state, any number of times.
//
// Thread safety:
//   - mu protects the lifecycle state and the handles.
//   - sendMu serializes Send so commands are never interleaved.
//   - Teardown waits for an in-flight Send before releasing the interface.
type Session struct {
	vendorID        uint16
	productID       uint16
	opener          DeviceOpener
	transferTimeout time.Duration
	commandSpacing  time.Duration

	mu             sync.Mutex
	state          State
	device         Device
	intf           Interface
	in             EndpointAddress
	out            EndpointAddress
	flowConfigured bool
	resetDone      bool
	stream         Stream
	events         chan protocol.Event
	streamCancel   context.CancelFunc
	streamWG       sync.WaitGroup

	sendMu sync.Mutex

	stopCtx context.Context
	stop    context.CancelFunc

	failOnce     sync.Once
	failed       chan error
	teardownOnce sync.Once
}

// SessionOption is a functional option for configuring a Session.
type SessionOption func(*Session)

// WithOpener sets a custom device opener for testing.
func WithOpener(fn DeviceOpener) SessionOption {
	return func(s *Session) {
		s.opener = fn
	}
}

// WithCommandSpacing overrides the delay imposed after every command.
func WithCommandSpacing(d time.Duration) SessionOption {
	return func(s *Session) {
		s.commandSpacing = d
	}
}

// NewSession creates a session bound to a vendor/product identity. No I/O
// happens until Open.
func NewSession(vendorID, productID uint16, opts ...SessionOption) *Session {
	stopCtx, stop := context.WithCancel(context.Background())
	s := &Session{
		vendorID:        vendorID,
		productID:       productID,
		opener:          OpenGousbDevice,
		transferTimeout: DefaultTransferTimeout,
		commandSpacing:  DefaultCommandSpacing,
		stopCtx:         stopCtx,
		stop:            stop,
		failed:          make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failed delivers the first endpoint-level hard error seen while streaming or
// sending. The session tears itself down when this happens.
func (s *Session) Failed() <-chan error {
	return s.failed
}

// Open acquires the device handle.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateShuttingDown {
		return &AcquisitionError{Step: StepOpen, Err: ErrSessionClosed}
	}
	if s.state >= StateOpened {
		return nil
	}

	device, err := s.opener(s.vendorID, s.productID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return &AcquisitionError{Step: StepFind, Err: err}
		}
		return &AcquisitionError{Step: StepOpen, Err: err}
	}

	s.device = device
	s.state = StateOpened
	log.Info().
		Str("vendor", fmt.Sprintf("%04x", s.vendorID)).
		Str("product", fmt.Sprintf("%04x", s.productID)).
		Msg("Device opened")
	return nil
}

// ConfigureFlowControl issues the vendor control request that sets the
// clear-to-send policy. It runs once per open session.
func (s *Session) ConfigureFlowControl() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(StateOpened); err != nil {
		return &AcquisitionError{Step: StepControlTransfer, Err: err}
	}
	if s.flowConfigured {
		return nil
	}

	if _, err := s.device.Control(requestTypeVendorOut, requestFlowControl, 0, 0, nil); err != nil {
		return &AcquisitionError{Step: StepControlTransfer, Err: err}
	}

	s.flowConfigured = true
	log.Debug().Msg("Flow control configured")
	return nil
}

// ResetDevice issues a bus reset. It runs once per open session and must
// complete before the endpoints are configured.
func (s *Session) ResetDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(StateOpened); err != nil {
		return &AcquisitionError{Step: StepReset, Err: err}
	}
	if s.resetDone {
		return nil
	}
	if s.state >= StateEndpointsConfigured {
		return &AcquisitionError{Step: StepReset, Err: fmt.Errorf("%w: endpoints already in use", ErrInvalidState)}
	}

	if err := s.device.Reset(); err != nil {
		return &AcquisitionError{Step: StepReset, Err: err}
	}

	s.resetDone = true
	log.Debug().Msg("Device reset")
	return nil
}

// ClaimInterface claims interface 0.
func (s *Session) ClaimInterface() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(StateOpened); err != nil {
		return &AcquisitionError{Step: StepClaim, Err: err}
	}
	if s.state >= StateInterfaceClaimed {
		return nil
	}

	intf, err := s.device.ClaimInterface(claimedInterface)
	if err != nil {
		return &AcquisitionError{Step: StepClaim, Err: err}
	}

	s.intf = intf
	s.state = StateInterfaceClaimed
	log.Info().Int("interface", claimedInterface).Msg("Interface claimed")
	return nil
}

// ConfigureEndpoints selects the first IN and first OUT endpoint, sets the
// per-transfer timeout and clears any halt condition on both.
func (s *Session) ConfigureEndpoints(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.require(StateInterfaceClaimed); err != nil {
		return &AcquisitionError{Step: StepEndpointConfig, Err: err}
	}
	if s.state >= StateEndpointsConfigured {
		return nil
	}

	var in, out EndpointAddress
	var haveIn, haveOut bool
	for _, ep := range s.intf.Endpoints() {
		switch {
		case ep.IsIn() && !haveIn:
			in, haveIn = ep, true
		case !ep.IsIn() && !haveOut:
			out, haveOut = ep, true
		}
	}
	if !haveIn || !haveOut {
		return &AcquisitionError{Step: StepEndpointConfig, Err: ErrNoEndpoints}
	}

	for _, ep := range []EndpointAddress{in, out} {
		if _, err := s.device.Control(requestTypeEndpointOut, requestClearFeature, featureEndpointHalt, uint16(ep), nil); err != nil {
			return &AcquisitionError{
				Step: StepEndpointConfig,
				Err:  fmt.Errorf("failed to clear halt on endpoint 0x%02x: %w", uint8(ep), err),
			}
		}
	}

	if timeout > 0 {
		s.transferTimeout = timeout
	}
	s.in, s.out = in, out
	s.state = StateEndpointsConfigured
	log.Info().
		Hex("in", []byte{uint8(in)}).
		Hex("out", []byte{uint8(out)}).
		Dur("timeout", s.transferTimeout).
		Msg("Endpoints configured")
	return nil
}

// StartStreaming begins continuous reception on the IN endpoint. Every
// inbound buffer is decoded and delivered on the returned channel, which is
// closed when streaming stops. Calling it again returns the same channel.
func (s *Session) StartStreaming(packetSize, queueDepth int) (<-chan protocol.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		return s.events, nil
	}
	if err := s.require(StateEndpointsConfigured); err != nil {
		return nil, &AcquisitionError{Step: StepPollStart, Err: err}
	}

	stream, err := s.intf.OpenStream(s.in, packetSize, queueDepth)
	if err != nil {
		return nil, &AcquisitionError{Step: StepPollStart, Err: err}
	}

	ctx, cancel := context.WithCancel(s.stopCtx)
	frames := make(chan []byte, queueDepth)
	s.events = make(chan protocol.Event, queueDepth)
	s.stream = stream
	s.streamCancel = cancel

	s.streamWG.Add(2)
	go s.readLoop(ctx, stream, packetSize, frames)
	go s.decodeLoop(ctx, frames, s.events)

	s.state = StateStreaming
	log.Info().Int("packetSize", packetSize).Int("queueDepth", queueDepth).Msg("Inbound stream started")
	return s.events, nil
}

// readLoop copies every completed IN transfer onto frames.
func (s *Session) readLoop(ctx context.Context, stream Stream, size int, frames chan<- []byte) {
	defer s.streamWG.Done()
	defer close(frames)

	buf := make([]byte, size)
	consecutiveErrors := 0
	for {
		n, err := stream.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			if IsHardError(err) || consecutiveErrors >= maxConsecutiveReadErrors {
				if !IsHardError(err) {
					err = fmt.Errorf("%w: %d consecutive read failures: %w", ErrEndpointIO, consecutiveErrors, err)
				}
				s.fail(&TransferError{Op: "read IN endpoint", Err: err})
				return
			}
			log.Warn().Err(err).Int("consecutive", consecutiveErrors).Msg("Inbound transfer failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.transferTimeout):
			}
			continue
		}

		consecutiveErrors = 0
		if n == 0 {
			continue
		}

		select {
		case frames <- bytes.Clone(buf[:n]):
		case <-ctx.Done():
			return
		}
	}
}

// decodeLoop turns raw frames into events.
func (s *Session) decodeLoop(ctx context.Context, frames <-chan []byte, events chan<- protocol.Event) {
	defer s.streamWG.Done()
	defer close(events)

	for frame := range frames {
		event := protocol.Decode(frame)
		if unknown, ok := event.(protocol.Unknown); ok {
			log.Debug().Hex("frame", unknown.Raw).Str("reason", unknown.Reason).Msg("Undecodable frame")
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes one frame to the OUT endpoint and then waits for the
// mandatory command spacing. Once teardown has begun the frame is dropped.
func (s *Session) Send(ctx context.Context, frame protocol.Frame) error {
	if s.stopCtx.Err() != nil {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	state, intf, out, timeout := s.state, s.intf, s.out, s.transferTimeout
	s.mu.Unlock()

	if state == StateShuttingDown || s.stopCtx.Err() != nil {
		return nil
	}
	if state < StateEndpointsConfigured {
		return &TransferError{Op: "write " + frame.Opcode().String(), Err: ErrInvalidState}
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	stopWrite := context.AfterFunc(s.stopCtx, cancel)
	n, err := intf.Write(writeCtx, out, frame)
	stopWrite()
	cancel()

	if err != nil {
		if s.stopCtx.Err() != nil {
			return nil
		}
		terr := &TransferError{Op: "write " + frame.Opcode().String(), Err: err}
		if IsHardError(err) {
			s.fail(terr)
		}
		return terr
	}
	if n != len(frame) {
		return &TransferError{
			Op:  "write " + frame.Opcode().String(),
			Err: fmt.Errorf("short write: %d of %d bytes", n, len(frame)),
		}
	}

	log.Debug().Str("frame", frame.String()).Msg("Frame sent")

	timer := time.NewTimer(s.commandSpacing)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Teardown stops streaming, releases the interface and closes the handle,
// in that order, skipping steps that were never reached. Every step is
// attempted even if an earlier one fails. The session ends in
// StateShuttingDown and Send becomes a no-op. Only the call that performed
// the teardown reports step errors; later calls return nil.
func (s *Session) Teardown() error {
	var err error
	s.teardownOnce.Do(func() {
		err = s.teardown()
	})
	return err
}

func (s *Session) teardown() error {
	s.stop()

	s.mu.Lock()
	previous := s.state
	s.state = StateShuttingDown
	stream, streamCancel := s.stream, s.streamCancel
	intf, device := s.intf, s.device
	s.mu.Unlock()

	log.Info().Str("from", previous.String()).Msg("Tearing down session")

	var errs []error

	if streamCancel != nil {
		streamCancel()
		if err := stream.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to stop inbound stream")
			errs = append(errs, fmt.Errorf("failed to stop stream: %w", err))
		} else {
			log.Info().Msg("Inbound stream stopped")
		}
		s.streamWG.Wait()
	}

	// Wait for a send that was already past its state check.
	s.sendMu.Lock()
	s.sendMu.Unlock() //nolint:staticcheck // empty critical section waits for the holder

	if intf != nil {
		if err := intf.Release(); err != nil {
			log.Error().Err(err).Msg("Failed to release interface")
			errs = append(errs, fmt.Errorf("failed to release interface: %w", err))
		} else {
			log.Info().Msg("Interface released")
		}
	}

	if device != nil {
		if err := device.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close device")
			errs = append(errs, fmt.Errorf("failed to close device: %w", err))
		} else {
			log.Info().Msg("Device closed")
		}
	}

	return errors.Join(errs...)
}

// fail records the first hard error and starts teardown in the background.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		log.Error().Err(err).Msg("Endpoint failure, tearing down session")
		s.failed <- err
		go func() {
			_ = s.Teardown()
		}()
	})
}

// require checks that the session has reached at least need and is not shutting down.
// Callers must hold mu.
func (s *Session) require(need State) error {
	if s.state == StateShuttingDown {
		return ErrSessionClosed
	}
	if s.state < need {
		return fmt.Errorf("%w: %s, need %s", ErrInvalidState, s.state, need)
	}
	return nil
}
