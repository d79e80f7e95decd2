package uartx

import (
	"context"
	"io"
	"time"
)

// Flusher is implemented by types that can flush buffered output to the underlying device.
type Flusher interface{ Flush() error }

// Readable returns a coalesced notification for RX readiness.
// Dispatch sends on this channel when the RX buffer holds data after a pass.
// The channel is level-coalesced; callers must re-check state after waking.
func (p *Port) Readable() <-chan struct{} { return p.notify }

// Writable returns a coalesced notification for TX space.
// The channel is level-coalesced; callers must re-check state after waking.
func (p *Port) Writable() <-chan struct{} { return p.txNotify }

// Buffered returns the number of bytes currently stored in the RX buffer.
func (p *Port) Buffered() int { return p.ReadAvail() }

// ReadByte reads a single byte from the RX buffer.
// If there is no data available, it returns ErrBufferEmpty.
func (p *Port) ReadByte() (byte, error) {
	var b [1]byte
	n, err := p.Read(b[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrBufferEmpty
	}
	return b[0], nil
}

// WaitReadable blocks until the RX buffer is non-empty, ctx is done or the
// port is closed.
func (p *Port) WaitReadable(ctx context.Context) error {
	if p.Buffered() > 0 {
		return nil
	}
	for {
		select {
		case <-p.notify:
			if p.Buffered() > 0 {
				return nil
			}
		case <-p.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadBlocking blocks until at least one byte is available, then returns n>0, nil.
func (p *Port) ReadBlocking(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := p.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		if err := p.WaitReadable(ctx); err != nil {
			return 0, err
		}
	}
}

// ReadFull blocks until len(b) bytes have been read. On error it returns the
// number of bytes read so far.
func (p *Port) ReadFull(ctx context.Context, b []byte) (int, error) {
	read := 0
	for read < len(b) {
		n, err := p.Read(b[read:])
		if err != nil {
			return read, err
		}
		if n > 0 {
			read += n
			continue
		}
		if err := p.WaitReadable(ctx); err != nil {
			return read, err
		}
	}
	return read, nil
}

// ReadByteBlocking waits for and returns a single byte.
func (p *Port) ReadByteBlocking(ctx context.Context) (byte, error) {
	var b [1]byte
	if _, err := p.ReadFull(ctx, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadWithTimeout is ReadBlocking bounded by d.
func (p *Port) ReadWithTimeout(b []byte, d time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return p.ReadBlocking(ctx, b)
}

// Write blocks until all bytes in b have been accepted into the TX buffer.
// It does not wait for the UART to drain; use Flush for on-the-wire completion.
func (p *Port) Write(b []byte) (int, error) {
	return p.WriteContext(context.Background(), b)
}

// WriteContext is Write with cancellation. It returns the number of bytes
// accepted before ctx was done.
func (p *Port) WriteContext(ctx context.Context, b []byte) (int, error) {
	sent := 0
	for sent < len(b) {
		n, err := p.tryWrite(b[sent:])
		if err != nil {
			return sent, err
		}
		if n > 0 {
			sent += n
			continue
		}
		// Wait for TX progress then retry.
		select {
		case <-p.txNotify:
		case <-p.closed:
			return sent, ErrClosed
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	return sent, nil
}

// WriteByte writes a single byte with the blocking behaviour of Write.
func (p *Port) WriteByte(c byte) error {
	_, err := p.Write([]byte{c})
	return err
}

// Writev writes the provided buffers in sequence with the same blocking behaviour as Write.
// It stops on the first error and returns the total number of bytes accepted up to that point.
func (p *Port) Writev(bufs ...[]byte) (int, error) {
	sent := 0
	for _, b := range bufs {
		n, err := p.Write(b)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Flush drives the TX path until the TX buffer and FIFO are empty and the
// transmitter is idle. It returns early, without error, while the far end
// has paused us with XOFF.
func (p *Port) Flush() error {
	return p.FlushContext(context.Background())
}

// FlushContext is Flush with cancellation. Idle detection is polled, since
// not every device interrupts when the shifter goes idle. A half-duplex TX
// enable pin is released before it returns.
func (p *Port) FlushContext(ctx context.Context) error {
	tick := p.drainTick()
	for {
		p.mu.Lock()
		if err := p.usable(); err != nil {
			p.mu.Unlock()
			return err
		}
		allowed := p.txAllowed()
		queued := p.tx.Used()
		if allowed {
			p.dispatchTxTop()
		}
		p.dispatchBottom()
		moved := p.tx.Used() < queued
		done := p.tx.Used() == 0 && p.hw.TxFIFOLen() == 0 && p.hw.TxIdle()
		if done && p.txEnOn.Load() {
			p.releaseTxEnable()
		}
		p.mu.Unlock()
		if moved {
			signal(p.txNotify)
		}
		if done || !allowed {
			return nil
		}
		select {
		case <-p.txNotify:
		case <-time.After(tick):
		case <-p.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainTick returns a short polling interval for Flush based on the configured baud.
// The value is approximately two character times at 8N1, with a lower bound to avoid zero.
func (p *Port) drainTick() time.Duration {
	p.mu.Lock()
	baud := p.cfg.BaudRate
	p.mu.Unlock()
	if baud <= 0 {
		return 50 * time.Microsecond
	}
	// ~2 character times at 8N1 (10 bits/char).
	perBit := time.Second / time.Duration(baud)
	t := 2 * 10 * perBit
	if t < 20*time.Microsecond {
		t = 20 * time.Microsecond
	}
	return t
}

// Stream returns a blocking io.ReadWriter over p. Reads block until data
// arrives or ctx is done.
func (p *Port) Stream(ctx context.Context) io.ReadWriter {
	return &stream{ctx: ctx, p: p}
}

type stream struct {
	ctx context.Context
	p   *Port
}

func (s *stream) Read(b []byte) (int, error) { return s.p.ReadBlocking(s.ctx, b) }

func (s *stream) Write(b []byte) (int, error) { return s.p.WriteContext(s.ctx, b) }
