package fanlink_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/shini4i/asetek-cooler-daemon/internal/fanlink"
	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
)

// fakePort feeds lines written to in and captures everything written out.
type fakePort struct {
	in  *io.PipeReader
	mu  sync.Mutex
	out bytes.Buffer
}

func newFakePort() (*fakePort, *io.PipeWriter) {
	r, w := io.Pipe()
	return &fakePort{in: r}, w
}

func (p *fakePort) Read(b []byte) (int, error) { return p.in.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) Close() error { return p.in.Close() }

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

type fakeSender struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (f *fakeSender) Send(_ context.Context, frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) sent() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

func TestLink_AppliesSetpointToAllFans(t *testing.T) {
	port, feed := newFakePort()
	sender := &fakeSender{}
	link := fanlink.New(port, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- link.Run(ctx)
	}()

	_, err := io.WriteString(feed, "not json\r\n{\"pidControl\":1,\"pwmDutyPct\":42.6,\"temperatureCurrent\":31.2}\r\n")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sender.sent()) == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []protocol.Frame{
		protocol.SetFanPWM(0, 43),
		protocol.SetFanPWM(1, 43),
		protocol.SetFanPWM(2, 43),
	}, sender.sent())

	sp, ok := link.Setpoint()
	require.True(t, ok)
	assert.True(t, bool(sp.PIDControl))
	assert.InDelta(t, 31.2, sp.TemperatureCurrent, 1e-9)

	duty, ok := link.DutyPct()
	assert.True(t, ok)
	assert.InDelta(t, 42.6, duty, 1e-9)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("link did not stop")
	}
}

func TestLink_NoSetpointYet(t *testing.T) {
	port, _ := newFakePort()
	link := fanlink.New(port, &fakeSender{})

	_, ok := link.DutyPct()
	assert.False(t, ok)
	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
}

func TestLink_RemoteClose(t *testing.T) {
	port, feed := newFakePort()
	link := fanlink.New(port, &fakeSender{})

	done := make(chan error, 1)
	go func() {
		done <- link.Run(context.Background())
	}()
	require.NoError(t, feed.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("link did not stop")
	}
}

func TestLink_PublishTemperature(t *testing.T) {
	port, _ := newFakePort()
	link := fanlink.New(port, &fakeSender{})

	link.PublishTemperature(284)
	link.PublishTemperature(300)

	assert.Equal(t, "#tmp28.4\n#tmp30\n", port.written())
}

func TestFlag_UnmarshalJSON(t *testing.T) {
	var f fanlink.Flag
	require.NoError(t, f.UnmarshalJSON([]byte("true")))
	assert.True(t, bool(f))
	require.NoError(t, f.UnmarshalJSON([]byte("0")))
	assert.False(t, bool(f))
	assert.Error(t, f.UnmarshalJSON([]byte(`"yes"`)))
}

func TestFindPort(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, SerialNumber: "OTHER"},
		{Name: "/dev/ttyACM1", IsUSB: true, SerialNumber: fanlink.DefaultSerialNumber},
	}
	list := func() ([]*enumerator.PortDetails, error) { return ports, nil }

	name, err := fanlink.FindPort(fanlink.DefaultSerialNumber, list)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", name)

	_, err = fanlink.FindPort("MISSING", list)
	assert.ErrorIs(t, err, fanlink.ErrPortNotFound)

	listErr := errors.New("permission denied")
	_, err = fanlink.FindPort(fanlink.DefaultSerialNumber, func() ([]*enumerator.PortDetails, error) {
		return nil, listErr
	})
	assert.ErrorIs(t, err, listErr)
}
