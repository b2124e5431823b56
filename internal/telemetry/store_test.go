package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/shini4i/asetek-cooler-daemon/internal/telemetry"
)

func TestStore_EmptySnapshot(t *testing.T) {
	snap := telemetry.NewStore().Snapshot()

	assert.False(t, snap.HasTemperature)
	assert.False(t, snap.HasPumpMode)
	assert.False(t, snap.HasPumpRPM)
	assert.Empty(t, snap.FanRPM)
	assert.Nil(t, snap.LastUnknown)
	assert.True(t, snap.UpdatedAt.IsZero())
}

func TestStore_Apply(t *testing.T) {
	store := telemetry.NewStore()

	assert.True(t, store.Apply(protocol.Temperature{Value: 284}))
	assert.False(t, store.Apply(protocol.Temperature{Value: 284}))
	assert.True(t, store.Apply(protocol.PumpModeReport{Mode: protocol.Quiet}))
	assert.True(t, store.Apply(protocol.FanSpeed{Fan: 1, RPM: 900}))
	assert.True(t, store.Apply(protocol.PumpSpeed{RPM: 2100}))
	assert.True(t, store.Apply(protocol.FirmwareVersion{Version: "1.0.7.0"}))
	assert.True(t, store.Apply(protocol.HardwareVersion{Revision: 3}))
	store.Apply(protocol.CommandAck{Command: protocol.OpSetFanPWM, OK: true})
	store.Apply(protocol.Fault{Raw: []byte{0x8F, 0x01}})
	store.Apply(protocol.Unknown{Raw: []byte{0x41}, Reason: "short"})

	snap := store.Snapshot()
	assert.Equal(t, protocol.Decidegrees(284), snap.Temperature)
	assert.True(t, snap.HasTemperature)
	assert.Equal(t, protocol.Quiet, snap.PumpMode)
	assert.True(t, snap.HasPumpMode)
	assert.Equal(t, map[uint8]uint16{1: 900}, snap.FanRPM)
	assert.Equal(t, uint16(2100), snap.PumpRPM)
	assert.Equal(t, "1.0.7.0", snap.Firmware)
	assert.Equal(t, uint8(3), snap.Hardware)
	assert.True(t, snap.Acks[protocol.OpSetFanPWM])
	assert.Equal(t, []byte{0x8F, 0x01}, snap.LastFault)
	require.NotNil(t, snap.LastUnknown)
	assert.Equal(t, "short", snap.LastUnknown.Reason)
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	store := telemetry.NewStore()
	store.Apply(protocol.FanSpeed{Fan: 0, RPM: 800})

	snap := store.Snapshot()
	snap.FanRPM[0] = 1
	snap.FanRPM[2] = 5

	again := store.Snapshot()
	assert.Equal(t, map[uint8]uint16{0: 800}, again.FanRPM)
}

func TestDispatcher_Hooks(t *testing.T) {
	store := telemetry.NewStore()
	var temperatures []protocol.Decidegrees
	var modes []protocol.PumpMode

	dispatcher := telemetry.NewDispatcher(store,
		telemetry.WithTemperatureHook(func(v protocol.Decidegrees) { temperatures = append(temperatures, v) }),
		telemetry.WithPumpModeHook(func(m protocol.PumpMode) { modes = append(modes, m) }),
	)

	dispatcher.Handle(protocol.Temperature{Value: 300})
	dispatcher.Handle(protocol.Temperature{Value: 300})
	dispatcher.Handle(protocol.PumpModeReport{Mode: protocol.Balanced})
	dispatcher.Handle(protocol.PumpModeReport{Mode: protocol.Balanced})
	dispatcher.Handle(protocol.PumpModeReport{Mode: protocol.Performance})
	dispatcher.Handle(protocol.CommandAck{Command: protocol.OpSetPumpMode, OK: false})

	// Temperature hooks see every reading; mode hooks only see changes.
	assert.Equal(t, []protocol.Decidegrees{300, 300}, temperatures)
	assert.Equal(t, []protocol.PumpMode{protocol.Balanced, protocol.Performance}, modes)
	assert.False(t, store.Snapshot().Acks[protocol.OpSetPumpMode])
}

func TestDispatcher_Run(t *testing.T) {
	store := telemetry.NewStore()
	dispatcher := telemetry.NewDispatcher(store)

	events := make(chan protocol.Event, 2)
	events <- protocol.Decode([]byte{0xA9, 0x00, 0x00, 28, 4})
	events <- protocol.Decode([]byte{0x33, 0x00, 0x00, 0x00})
	close(events)

	require.NoError(t, dispatcher.Run(context.Background(), events))

	snap := store.Snapshot()
	assert.InDelta(t, 28.4, snap.Temperature.Celsius(), 1e-9)
	assert.Equal(t, protocol.Quiet, snap.PumpMode)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	dispatcher := telemetry.NewDispatcher(telemetry.NewStore())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(ctx, make(chan protocol.Event))
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
