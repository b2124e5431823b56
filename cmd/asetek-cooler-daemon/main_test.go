// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/shini4i/asetek-cooler-daemon/internal/config"
	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/shini4i/asetek-cooler-daemon/internal/telemetry"
	"github.com/shini4i/asetek-cooler-daemon/internal/usb"
	"github.com/shini4i/asetek-cooler-daemon/internal/usb/mocks"
)

// fakeStream delivers injected frames and errors until closed.
type fakeStream struct {
	frames    chan []byte
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) ReadContext(ctx context.Context, p []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-f.closed:
		return 0, errors.New("stream closed")
	case err := <-f.errs:
		return 0, err
	case frame := <-f.frames:
		return copy(p, frame), nil
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.Hotplug = false
	cfg.Device.CommandSpacing = time.Millisecond
	cfg.Poll.Period = 10 * time.Millisecond
	cfg.Poll.DrainDelay = 0
	cfg.FanLink.Enabled = false
	cfg.DBus.Enabled = false
	return cfg
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "clean shutdown", err: nil, expected: 0},
		{name: "config error", err: fmt.Errorf("%w: bad", errConfig), expected: 1},
		{name: "unknown error", err: errors.New("unknown flag"), expected: 1},
		{name: "device not found", err: &usb.AcquisitionError{Step: usb.StepFind}, expected: 2},
		{name: "open", err: &usb.AcquisitionError{Step: usb.StepOpen}, expected: 3},
		{name: "control transfer", err: &usb.AcquisitionError{Step: usb.StepControlTransfer}, expected: 4},
		{name: "reset", err: &usb.AcquisitionError{Step: usb.StepReset}, expected: 5},
		{name: "claim", err: &usb.AcquisitionError{Step: usb.StepClaim}, expected: 6},
		{name: "endpoint config", err: &usb.AcquisitionError{Step: usb.StepEndpointConfig}, expected: 7},
		{name: "poll start", err: &usb.AcquisitionError{Step: usb.StepPollStart}, expected: 8},
		{name: "runtime failure", err: fmt.Errorf("%w: gone", errRuntimeFailure), expected: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exitCode(tt.err))
		})
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pump:\n  target_temperature: 30\n"), 0o600))

	opts := &options{}
	cmd := newRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--target-temp", "35.5", "--no-fanlink", "--no-dbus"}))

	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.InDelta(t, 35.5, cfg.Pump.TargetTemperature, 1e-9)
	assert.False(t, cfg.FanLink.Enabled)
	assert.False(t, cfg.DBus.Enabled)
}

func TestLoadConfig_KeepsFileTargetWithoutFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pump:\n  target_temperature: 30\n"), 0o600))

	opts := &options{}
	cmd := newRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, cfg.Pump.TargetTemperature, 1e-9)
	assert.True(t, cfg.DBus.Enabled)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	opts := &options{}
	cmd := newRootCmd(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--target-temp=-4"}))

	_, err := loadConfig(cmd, opts)
	assert.ErrorIs(t, err, errConfig)
	assert.Equal(t, 1, exitCode(err))
}

func TestRun_DeviceNotFound(t *testing.T) {
	opener := func(uint16, uint16) (usb.Device, error) {
		return nil, usb.ErrDeviceNotFound
	}

	err := run(context.Background(), testConfig(), opener, telemetry.NewStore())
	assert.Equal(t, 2, exitCode(err))
}

func TestRun_ClaimFailureTearsDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)

	device.EXPECT().Control(uint8(0x40), uint8(0x02), uint16(0), uint16(0), gomock.Nil()).Return(0, nil)
	device.EXPECT().Reset().Return(nil)
	device.EXPECT().ClaimInterface(0).Return(nil, usb.ErrInterfaceBusy)
	device.EXPECT().Close().Return(nil)

	err := run(context.Background(), testConfig(), func(uint16, uint16) (usb.Device, error) {
		return device, nil
	}, telemetry.NewStore())
	assert.ErrorIs(t, err, usb.ErrInterfaceBusy)
	assert.Equal(t, 6, exitCode(err))
}

// expectStartup wires mocks for a successful acquisition and returns the stream.
func expectStartup(device *mocks.MockDevice, intf *mocks.MockInterface) *fakeStream {
	stream := newFakeStream()
	device.EXPECT().Control(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Nil()).Return(0, nil).Times(3)
	device.EXPECT().Reset().Return(nil)
	device.EXPECT().ClaimInterface(0).Return(intf, nil)
	intf.EXPECT().Endpoints().Return([]usb.EndpointAddress{0x02, 0x82})
	intf.EXPECT().OpenStream(usb.EndpointAddress(0x82), 64, 4).Return(stream, nil)
	gomock.InOrder(
		intf.EXPECT().Release().Return(nil),
		device.EXPECT().Close().Return(nil),
	)
	return stream
}

func TestRun_SignalShutdown(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	intf := mocks.NewMockInterface(ctrl)
	expectStartup(device, intf)

	ctx, cancel := context.WithCancel(context.Background())
	var writes sync.WaitGroup
	writes.Add(1)
	var firstWrite sync.Once
	intf.EXPECT().Write(gomock.Any(), usb.EndpointAddress(0x02), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ usb.EndpointAddress, data []byte) (int, error) {
			firstWrite.Do(writes.Done)
			return len(data), nil
		},
	).AnyTimes()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testConfig(), func(uint16, uint16) (usb.Device, error) {
			return device, nil
		}, telemetry.NewStore())
	}()

	writes.Wait()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Equal(t, 0, exitCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRun_DrainAppliesLateResponses(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	intf := mocks.NewMockInterface(ctrl)
	stream := expectStartup(device, intf)

	written := make(chan struct{})
	var firstWrite sync.Once
	intf.EXPECT().Write(gomock.Any(), usb.EndpointAddress(0x02), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ usb.EndpointAddress, data []byte) (int, error) {
			firstWrite.Do(func() { close(written) })
			return len(data), nil
		},
	).AnyTimes()

	cfg := testConfig()
	cfg.Poll.DrainDelay = 300 * time.Millisecond
	store := telemetry.NewStore()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, func(uint16, uint16) (usb.Device, error) {
			return device, nil
		}, store)
	}()

	<-written
	cancel()

	// Polling has stopped; the temperature response arrives during the drain.
	time.Sleep(50 * time.Millisecond)
	stream.frames <- []byte{0xA9, 0x00, 0x00, 31, 7}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}

	snap := store.Snapshot()
	require.True(t, snap.HasTemperature)
	assert.Equal(t, protocol.Decidegrees(317), snap.Temperature)
}

func TestRun_EndpointFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	intf := mocks.NewMockInterface(ctrl)
	stream := expectStartup(device, intf)

	intf.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ usb.EndpointAddress, data []byte) (int, error) {
			return len(data), nil
		},
	).AnyTimes()

	stream.frames <- []byte{0xA9, 0x00, 0x00, 28, 4}
	stream.errs <- usb.ErrEndpointIO

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), testConfig(), func(uint16, uint16) (usb.Device, error) {
			return device, nil
		}, telemetry.NewStore())
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errRuntimeFailure)
		assert.ErrorIs(t, err, usb.ErrEndpointIO)
		assert.Equal(t, 9, exitCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
