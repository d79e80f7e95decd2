package uartx

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// HostOptions configures a HostHW.
type HostOptions struct {
	// Depth of each FIFO. Defaults to 128.
	Depth int
	// PollCost is how far the virtual clock advances on every RX FIFO poll,
	// in microseconds. Defaults to 1. Ignored with RealTime.
	PollCost int64
	// RealTime uses the wall clock instead of the virtual clock.
	RealTime bool
	// ClockHz is the peripheral clock used for the baud divisor. Defaults to 80 MHz.
	ClockHz uint32
	// ResetOnOverflow models hardware that reports a phantom RX byte after
	// an overflow until its RX FIFO is reset.
	ResetOnOverflow bool
	// Vector is the interrupt line. Devices created with the same Vector
	// share it. A private one is created when nil.
	Vector *Vector
}

type arrival struct {
	at int64
	b  byte
}

// HostHW is a register-level UART model that implements Hardware in memory.
// Transmitted bytes leave the TX FIFO immediately unless hardware flow
// control holds them, and go to the connected peer, the OnTransmit callback
// or an internal capture buffer, in that order of preference.
//
// The RX timeout interrupt asserts once the RX FIFO has been idle for
// rx_fifo_alarm character times. With the virtual clock, time moves on RX
// FIFO polls and Advance.
type HostHW struct {
	mu   sync.Mutex
	opts HostOptions
	vec  *Vector

	irqNo int
	irqOn bool

	rx, tx     []byte
	arrivals   []arrival
	enable     IntMask
	latched    IntMask
	needsReset bool
	lastRx     int64

	fullThresh    int
	fcThresh      int
	alarm         int
	txEmptyThresh int
	rxHWFlow      bool
	txHWFlow      bool
	dataBits      int
	parity        UARTParity
	stopBits      StopBits
	divisor       uint32

	throttle   bool
	ctsBlocked bool
	rts        bool
	sending    bool

	now   int64
	start time.Time
	timer *time.Timer

	peer     *HostHW
	onTx     func(byte)
	captured []byte
}

// NewHostHW returns a device with default thresholds: RX interrupt at one
// byte, no RX timeout, TX interrupt when empty, 115200 baud.
func NewHostHW(opts HostOptions) *HostHW {
	if opts.Depth <= 0 {
		opts.Depth = 128
	}
	if opts.PollCost <= 0 {
		opts.PollCost = 1
	}
	if opts.ClockHz == 0 {
		opts.ClockHz = 80000000
	}
	h := &HostHW{
		opts:       opts,
		vec:        opts.Vector,
		fullThresh: 1,
		fcThresh:   opts.Depth,
		alarm:      -1,
		dataBits:   8,
		stopBits:   StopBits1,
		start:      time.Now(),
	}
	h.divisor = opts.ClockHz * 16 / 115200
	if h.vec == nil {
		h.vec = NewVector()
	}
	h.vec.attach(h)
	return h
}

// Connect wires a's TX to b's RX and b's TX to a's RX, and each side's RTS
// output to the other side's CTS input.
func Connect(a, b *HostHW) {
	a.mu.Lock()
	a.peer = b
	aRTS := a.rts
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	bRTS := b.rts
	b.mu.Unlock()
	b.SetCTS(aRTS)
	a.SetCTS(bRTS)
}

// OnTransmit routes transmitted bytes to fn when there is no peer. fn runs
// without the device lock held.
func (h *HostHW) OnTransmit(fn func(byte)) {
	h.mu.Lock()
	h.onTx = fn
	h.mu.Unlock()
}

// TakeTransmitted returns and clears the bytes captured since the last call.
func (h *HostHW) TakeTransmitted() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.captured
	h.captured = nil
	return out
}

// Inject delivers bytes to the RX FIFO now. Bytes that do not fit are
// dropped and latch the overflow interrupt. It returns the number accepted.
func (h *HostHW) Inject(p ...byte) int {
	h.mu.Lock()
	n := 0
	for _, b := range p {
		if h.pushRxLocked(b) {
			n++
		}
	}
	h.armTimeoutLocked()
	h.unlockAndSettle()
	return n
}

// InjectAt schedules p to arrive at virtual time at, in microseconds. Arrivals
// are released as the clock reaches them.
func (h *HostHW) InjectAt(at int64, p ...byte) {
	h.mu.Lock()
	for _, b := range p {
		h.arrivals = append(h.arrivals, arrival{at: at, b: b})
	}
	h.releaseLocked()
	h.unlockAndSettle()
}

// Advance moves the virtual clock forward by us microseconds, releasing
// scheduled arrivals and evaluating the RX timeout.
func (h *HostHW) Advance(us int64) {
	h.mu.Lock()
	if !h.opts.RealTime {
		h.now += us
	}
	h.releaseLocked()
	h.unlockAndSettle()
}

// SetCTS sets the CTS input. blocked means the far end forbids sending.
func (h *HostHW) SetCTS(blocked bool) {
	h.mu.Lock()
	if h.ctsBlocked != blocked {
		h.ctsBlocked = blocked
		h.latched |= IntCTSChange
	}
	h.unlockAndSettle()
	h.transmit()
}

// RTS reports the RTS output. true means the far end is told to stop.
func (h *HostHW) RTS() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rts
}

// Baud returns the baud rate produced by the programmed divisor.
func (h *HostHW) Baud() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.ClockHz * 16 / h.divisor
}

func (h *HostHW) FIFODepth() int { return h.opts.Depth }

func (h *HostHW) RxFIFOLen() int {
	h.mu.Lock()
	if !h.opts.RealTime {
		h.now += h.opts.PollCost
	}
	h.releaseLocked()
	n := len(h.rx)
	if h.needsReset {
		n++
	}
	h.unlockAndSettle()
	return n
}

func (h *HostHW) TxFIFOLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tx)
}

func (h *HostHW) ReadFIFO() byte {
	h.mu.Lock()
	var b byte
	if len(h.rx) > 0 {
		b = h.rx[0]
		h.rx = h.rx[1:]
	} else if h.needsReset {
		b = 0xFF
	}
	h.unlockAndSettle()
	return b
}

func (h *HostHW) WriteFIFO(b byte) {
	h.mu.Lock()
	if len(h.tx) >= h.opts.Depth {
		h.mu.Unlock()
		return
	}
	h.tx = append(h.tx, b)
	h.latched &^= IntTxDone
	h.unlockAndSettle()
	h.transmit()
}

func (h *HostHW) ResetRxFIFO() {
	h.mu.Lock()
	h.rx = nil
	h.needsReset = false
	h.unlockAndSettle()
}

func (h *HostHW) RawIntStatus() IntMask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rawLocked()
}

func (h *HostHW) IntEnable() IntMask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enable
}

func (h *HostHW) SetIntEnable(m IntMask) {
	h.mu.Lock()
	h.enable = m
	h.unlockAndSettle()
}

func (h *HostHW) EnableInts(m IntMask) {
	h.mu.Lock()
	h.enable |= m
	h.unlockAndSettle()
}

func (h *HostHW) DisableInts(m IntMask) {
	h.mu.Lock()
	h.enable &^= m
	h.mu.Unlock()
}

func (h *HostHW) ClearInt(m IntMask) {
	h.mu.Lock()
	h.latched &^= m
	h.unlockAndSettle()
}

func (h *HostHW) CheckConfig(cfg *Config) error {
	if cfg.BaudRate <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "baud rate %d", cfg.BaudRate)
	}
	if _, err := h.divisorFor(uint32(cfg.BaudRate)); err != nil {
		return err
	}
	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return errors.Wrapf(ErrInvalidConfig, "data bits %d", cfg.DataBits)
	}
	return nil
}

func (h *HostHW) divisorFor(baud uint32) (uint32, error) {
	if baud == 0 {
		return 0, errors.Wrap(ErrInvalidConfig, "baud rate 0")
	}
	div := uint64(h.opts.ClockHz) * 16 / uint64(baud)
	if div == 0 || div >= 1<<24 {
		return 0, errors.Wrapf(ErrInvalidConfig, "baud rate %d out of divisor range", baud)
	}
	return uint32(div), nil
}

func (h *HostHW) SetBaudRate(baud uint32) error {
	div, err := h.divisorFor(baud)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.divisor = div
	h.mu.Unlock()
	return nil
}

func (h *HostHW) SetFormat(cfg *Config) error {
	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return errors.Wrapf(ErrInvalidConfig, "data bits %d", cfg.DataBits)
	}
	h.mu.Lock()
	h.dataBits = cfg.DataBits
	h.parity = cfg.Parity
	h.stopBits = cfg.StopBits
	h.fullThresh = cfg.Dev.RxFIFOFullThresh
	h.fcThresh = min(cfg.Dev.RxFIFOFCThresh, h.opts.Depth)
	h.alarm = cfg.Dev.RxFIFOAlarm
	h.txEmptyThresh = cfg.Dev.TxFIFOEmptyThresh
	h.rxHWFlow = cfg.RxFlowControl == FlowHW
	h.txHWFlow = cfg.TxFlowControl == FlowHW
	h.unlockAndSettle()
	h.transmit()
	return nil
}

func (h *HostHW) SetRTSThrottle(on bool) {
	h.mu.Lock()
	h.throttle = on
	h.unlockAndSettle()
}

func (h *HostHW) CTSBlocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctsBlocked
}

func (h *HostHW) TxIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tx) == 0
}

func (h *HostHW) Micros() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nowLocked()
}

func (h *HostHW) Quirks() Quirks {
	if h.opts.ResetOnOverflow {
		return QuirkResetOnOverflow
	}
	return 0
}

func (h *HostHW) EnableIRQ(no int) error {
	h.mu.Lock()
	h.irqNo = no
	h.irqOn = true
	h.unlockAndSettle()
	return nil
}

func (h *HostHW) DisableIRQ() {
	h.mu.Lock()
	h.irqOn = false
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
}

func (h *HostHW) nowLocked() int64 {
	if h.opts.RealTime {
		return time.Since(h.start).Microseconds()
	}
	return h.now
}

// charMicros is the duration of one character on the line.
func (h *HostHW) charMicros() int64 {
	bits := 1 + h.dataBits + 1
	if h.parity != ParityNone {
		bits++
	}
	if h.stopBits != StopBits1 {
		bits++
	}
	baud := int64(h.opts.ClockHz) * 16 / int64(h.divisor)
	return max(1, int64(bits)*1000000/baud)
}

func (h *HostHW) rawLocked() IntMask {
	m := h.latched
	n := len(h.rx)
	if h.needsReset {
		n++
	}
	if n >= h.fullThresh {
		m |= IntRxFull
	}
	if n > 0 && h.alarm >= 0 && h.nowLocked()-h.lastRx >= int64(h.alarm)*h.charMicros() {
		m |= IntRxTimeout
	}
	if len(h.tx) <= h.txEmptyThresh {
		m |= IntTxEmpty
	}
	return m
}

func (h *HostHW) pushRxLocked(b byte) bool {
	if len(h.rx) >= h.opts.Depth {
		h.latched |= IntRxOverflow
		if h.opts.ResetOnOverflow {
			h.needsReset = true
		}
		return false
	}
	h.rx = append(h.rx, b)
	h.lastRx = h.nowLocked()
	return true
}

func (h *HostHW) releaseLocked() {
	if len(h.arrivals) == 0 {
		return
	}
	now := h.nowLocked()
	kept := h.arrivals[:0]
	released := false
	for _, a := range h.arrivals {
		if a.at <= now {
			h.pushRxLocked(a.b)
			released = true
		} else {
			kept = append(kept, a)
		}
	}
	h.arrivals = kept
	if released {
		h.armTimeoutLocked()
	}
}

// armTimeoutLocked makes sure the RX timeout gets evaluated on the wall clock.
func (h *HostHW) armTimeoutLocked() {
	if !h.opts.RealTime || h.alarm < 0 {
		return
	}
	d := time.Duration(int64(h.alarm)*h.charMicros()+1) * time.Microsecond
	if h.timer == nil {
		h.timer = time.AfterFunc(d, h.settle)
		return
	}
	h.timer.Reset(d)
}

// transmit puts TX FIFO bytes on the line one at a time, re-checking CTS
// before each. Re-entrant calls, from a peer reacting to a byte, return at
// once and leave the work to the running loop.
func (h *HostHW) transmit() {
	h.mu.Lock()
	if h.sending {
		h.mu.Unlock()
		return
	}
	h.sending = true
	for len(h.tx) > 0 && !(h.txHWFlow && h.ctsBlocked) {
		b := h.tx[0]
		h.tx = h.tx[1:]
		if len(h.tx) == 0 {
			h.latched |= IntTxDone
		}
		peer, fn := h.peer, h.onTx
		if peer == nil && fn == nil {
			h.captured = append(h.captured, b)
		}
		h.unlockAndSettle()
		switch {
		case peer != nil:
			peer.Inject(b)
		case fn != nil:
			fn(b)
		}
		h.mu.Lock()
	}
	h.sending = false
	h.mu.Unlock()
}

// unlockAndSettle updates the RTS output, releases the lock, propagates RTS to
// the peer and lets the vector fire. Nothing is called out with the lock held.
func (h *HostHW) unlockAndSettle() {
	rts := h.rxHWFlow && (h.throttle || len(h.rx) >= h.fcThresh)
	changed := rts != h.rts
	h.rts = rts
	peer := h.peer
	h.mu.Unlock()
	if changed && peer != nil {
		peer.SetCTS(rts)
	}
	h.vec.kick()
}

func (h *HostHW) settle() {
	h.mu.Lock()
	h.unlockAndSettle()
}

// asserted reports whether the device drives its interrupt line.
func (h *HostHW) asserted() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.irqNo, h.irqOn && h.rawLocked()&h.enable != 0
}

// maxVectorPasses bounds one vector activation so a device that never
// acknowledges cannot hang the caller.
const maxVectorPasses = 1000

// Vector is a simulated interrupt line that one or more HostHW share. The
// handler runs on the goroutine that raised the line, never nested: a raise
// during handling makes the running activation loop again.
type Vector struct {
	mu      sync.Mutex
	devs    []*HostHW
	masked  bool
	running bool
	pending bool
}

func NewVector() *Vector { return &Vector{} }

// SetIRQMasked masks or unmasks the line. Unmasking services anything pending.
func (v *Vector) SetIRQMasked(masked bool) {
	v.mu.Lock()
	v.masked = masked
	v.mu.Unlock()
	if !masked {
		v.kick()
	}
}

func (v *Vector) attach(h *HostHW) {
	v.mu.Lock()
	v.devs = append(v.devs, h)
	v.mu.Unlock()
}

func (v *Vector) kick() {
	v.mu.Lock()
	if v.running {
		v.pending = true
		v.mu.Unlock()
		return
	}
	v.running = true
	for pass := 0; pass < maxVectorPasses && !v.masked; pass++ {
		v.pending = false
		devs := v.devs
		v.mu.Unlock()
		fired := false
		for _, h := range devs {
			if no, ok := h.asserted(); ok {
				HandleInterrupt(no)
				fired = true
			}
		}
		v.mu.Lock()
		if !fired && !v.pending {
			break
		}
	}
	v.running = false
	v.mu.Unlock()
}
