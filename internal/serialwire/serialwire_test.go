package serialwire

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jangala-dev/uartx-dispatch/uartx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakeDevice stands in for a host serial port.
type fakeDevice struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case b := <-d.in:
		return copy(p, b), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, p...)
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) output() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.written)
}

func TestMode(t *testing.T) {
	cfg := uartx.DefaultConfig(0)
	m := Mode(cfg)
	assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, m)

	cfg.BaudRate = 9600
	cfg.DataBits = 7
	cfg.Parity = uartx.ParityEven
	cfg.StopBits = uartx.StopBits2
	m = Mode(cfg)
	assert.Equal(t, 9600, m.BaudRate)
	assert.Equal(t, 7, m.DataBits)
	assert.Equal(t, serial.EvenParity, m.Parity)
	assert.Equal(t, serial.TwoStopBits, m.StopBits)

	cfg.Parity = uartx.ParityOdd
	cfg.StopBits = uartx.StopBits1_5
	m = Mode(cfg)
	assert.Equal(t, serial.OddParity, m.Parity)
	assert.Equal(t, serial.OnePointFiveStopBits, m.StopBits)
}

func TestBridge_BothDirections(t *testing.T) {
	hw := uartx.NewHostHW(uartx.HostOptions{RealTime: true})
	poller := uartx.NewPoller()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	p, err := uartx.Open(0, hw, uartx.WithScheduler(poller))
	require.NoError(t, err)
	defer p.Close()
	cfg := uartx.DefaultConfig(0)
	cfg.Dev.RxFIFOAlarm = 0
	require.NoError(t, p.Configure(cfg))
	p.SetRxEnabled(true)

	dev := newFakeDevice()
	bridge := NewBridge(hw, dev, nil)
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	dev.in <- []byte("ping")
	got := make([]byte, 4)
	n, err := p.ReadFull(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got[:n]))

	_, err = p.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return dev.output() == "pong" }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
	select {
	case <-dev.closed:
	default:
		t.Fatal("device left open")
	}
}

func TestBridge_DeviceErrorStopsRun(t *testing.T) {
	hw := uartx.NewHostHW(uartx.HostOptions{RealTime: true})
	dev := newFakeDevice()
	bridge := NewBridge(hw, dev, nil)
	dev.Close()

	err := bridge.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device read")
}
