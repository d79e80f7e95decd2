// Package serialwire connects a simulated UART line to a host serial device,
// so a Port running on HostHW can talk to real equipment.
package serialwire

import (
	"context"
	"io"
	"time"

	"github.com/jangala-dev/uartx-dispatch/uartx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ReadTimeout bounds each device read so Run notices cancellation.
const ReadTimeout = 100 * time.Millisecond

// Device is the part of serial.Port the bridge needs.
type Device interface {
	io.ReadWriteCloser
}

// Mode returns the serial mode matching the line settings of cfg.
func Mode(cfg uartx.Config) *serial.Mode {
	m := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	switch cfg.Parity {
	case uartx.ParityEven:
		m.Parity = serial.EvenParity
	case uartx.ParityOdd:
		m.Parity = serial.OddParity
	default:
		m.Parity = serial.NoParity
	}
	switch cfg.StopBits {
	case uartx.StopBits2:
		m.StopBits = serial.TwoStopBits
	case uartx.StopBits1_5:
		m.StopBits = serial.OnePointFiveStopBits
	default:
		m.StopBits = serial.OneStopBit
	}
	return m
}

// Open opens the named host serial port with the line settings of cfg.
func Open(name string, cfg uartx.Config) (serial.Port, error) {
	port, err := serial.Open(name, Mode(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "could not set timeout on serial port")
	}
	logrus.Infof("Opened port %s at %d", name, cfg.BaudRate)
	return port, nil
}

// Bridge copies bytes between a HostHW and a Device. Bytes the simulated
// UART transmits go to the device; bytes read from the device are injected
// into the simulated RX FIFO as room allows.
type Bridge struct {
	hw  *uartx.HostHW
	dev Device
	log logrus.FieldLogger
	out chan byte
}

func NewBridge(hw *uartx.HostHW, dev Device, log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{hw: hw, dev: dev, log: log, out: make(chan byte, 4096)}
}

// Run pumps data both ways until ctx is done or the device fails. It closes
// the device before returning.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.hw.OnTransmit(func(c byte) {
		select {
		case b.out <- c:
		case <-ctx.Done():
		}
	})
	defer b.hw.OnTransmit(nil)

	errc := make(chan error, 2)
	go func() { errc <- b.readLoop(ctx) }()
	go func() { errc <- b.writeLoop(ctx) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
	}
	cancel()
	if cerr := b.dev.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "closing device")
	}
	if err == nil || errors.Cause(err) == context.Canceled {
		return ctx.Err()
	}
	return err
}

func (b *Bridge) readLoop(ctx context.Context) error {
	buf := make([]byte, 256)
	for {
		n, err := b.dev.Read(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return errors.Wrap(err, "device read")
		}
		if err := b.inject(ctx, buf[:n]); err != nil {
			return err
		}
	}
}

// inject feeds p to the RX FIFO, waiting while it is full.
func (b *Bridge) inject(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		room := b.hw.FIFODepth() - b.hw.RxFIFOLen()
		if room <= 0 {
			select {
			case <-time.After(time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		n := b.hw.Inject(p[:min(room, len(p))]...)
		p = p[n:]
	}
	return nil
}

func (b *Bridge) writeLoop(ctx context.Context) error {
	buf := make([]byte, 0, 256)
	for {
		select {
		case c := <-b.out:
			buf = append(buf[:0], c)
		drain:
			for len(buf) < cap(buf) {
				select {
				case c := <-b.out:
					buf = append(buf, c)
				default:
					break drain
				}
			}
			if _, err := b.dev.Write(buf); err != nil {
				return errors.Wrap(err, "device write")
			}
			b.log.WithField("bytes", len(buf)).Debug("Bridged to device")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
