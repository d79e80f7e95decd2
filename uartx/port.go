// Package uartx is an interrupt-driven UART driver core. Each Port moves bytes
// between a device's hardware FIFOs and a pair of software ring buffers, with
// the work split between a short interrupt top half and a dispatch routine
// that runs later from a Scheduler.
//
// The top half only touches device registers and counters. Everything that
// touches the ring buffers runs under the port lock, in dispatch or in the
// caller's goroutine.
package uartx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

// XOFFTimeout is how long a received XOFF pauses transmission when no XON follows.
const XOFFTimeout = 2 * time.Second

// rxTopBudgetMicros bounds how long a single RX top pass may keep lingering.
const rxTopBudgetMicros = 1000

// Port is one UART instance.
type Port struct {
	no    int
	hw    Hardware
	sched Scheduler
	log   logrus.FieldLogger

	mu         sync.Mutex
	cfg        Config
	configured bool
	rx, tx     RingBuffer
	rxEnabled  bool
	xoffSent   bool
	xoffRecvAt int64 // Micros() when XOFF arrived, 0 when not paused
	dispatcher func(*Port)
	inCallback bool
	overflows  uint32 // rxOverflows as last logged

	txEn       gpio.PinOut
	txEnActive gpio.Level
	txEnOn     atomic.Bool
	txQueued   atomic.Int32 // mirrors tx.Used() for the top half

	stats stats

	notify    chan struct{}
	txNotify  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Option customises a Port at Open time.
type Option func(*Port)

// WithScheduler replaces the default process-wide Poller.
func WithScheduler(s Scheduler) Option {
	return func(p *Port) { p.sched = s }
}

// WithLogger sets the logger. A "uart" field is added to it.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Port) { p.log = l }
}

// WithTxEnablePin drives pin to active while the port transmits, for
// half-duplex transceivers. The RX FIFO is discarded when transmission ends.
// On devices without a TX done interrupt the pin is released by the next
// dispatch or by Flush.
func WithTxEnablePin(pin gpio.PinOut, active gpio.Level) Option {
	return func(p *Port) {
		p.txEn = pin
		p.txEnActive = active
	}
}

// Open registers port no with the interrupt table and routes the device
// interrupt to it. The port has to be configured before it moves data.
func Open(no int, hw Hardware, opts ...Option) (*Port, error) {
	if no < 0 || no >= MaxPorts {
		return nil, errors.Wrapf(ErrNoSuchPort, "uart %d", no)
	}
	p := &Port{
		no:       no,
		hw:       hw,
		notify:   make(chan struct{}, 1),
		txNotify: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sched == nil {
		p.sched = DefaultScheduler()
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	p.log = p.log.WithField("uart", no)

	if !register(no, p) {
		return nil, errors.Wrapf(ErrPortBusy, "uart %d", no)
	}
	hw.SetIntEnable(0)
	hw.ClearInt(^IntMask(0))
	if p.txEn != nil {
		if err := p.txEn.Out(!p.txEnActive); err != nil {
			unregister(no, p)
			return nil, errors.Wrap(err, "driving TX enable pin")
		}
	}
	if err := hw.EnableIRQ(no); err != nil {
		unregister(no, p)
		return nil, errors.Wrapf(err, "enabling IRQ for uart %d", no)
	}
	return p, nil
}

// No returns the port number.
func (p *Port) No() int { return p.no }

// Configure validates cfg and applies it. On a validation error the port is
// left exactly as it was. Buffered data survives a reconfiguration as long as
// it fits the new buffer sizes. RX stays disabled until SetRxEnabled.
func (p *Port) Configure(cfg Config) error {
	if err := cfg.Validate(p.hw.FIFODepth()); err != nil {
		p.log.WithError(err).Warn("Rejected UART config")
		return err
	}
	if err := p.hw.CheckConfig(&cfg); err != nil {
		p.log.WithError(err).Warn("Rejected UART config")
		return errors.Wrapf(err, "uart %d", p.no)
	}

	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		return ErrClosed
	}
	p.hw.DisableInts(^IntMask(0))
	if err := p.hw.SetBaudRate(uint32(cfg.BaudRate)); err != nil {
		p.dispatchBottom()
		p.mu.Unlock()
		return errors.Wrapf(err, "uart %d baud rate", p.no)
	}
	if err := p.hw.SetFormat(&cfg); err != nil {
		if p.configured {
			_ = p.hw.SetBaudRate(uint32(p.cfg.BaudRate))
		}
		p.dispatchBottom()
		p.mu.Unlock()
		return errors.Wrapf(err, "uart %d format", p.no)
	}
	if err := resize(&p.rx, cfg.RxBufSize); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := resize(&p.tx, cfg.TxBufSize); err != nil {
		p.mu.Unlock()
		return err
	}
	p.txQueued.Store(int32(p.tx.Used()))
	p.cfg = cfg
	p.configured = true
	if cfg.RxFlowControl != FlowSW {
		p.xoffSent = false
	}
	if cfg.TxFlowControl != FlowSW {
		p.xoffRecvAt = 0
	}
	p.applyRTS()
	p.dispatchBottom()
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"baud":    cfg.BaudRate,
		"format":  formatString(&cfg),
		"rx_buf":  cfg.RxBufSize,
		"tx_buf":  cfg.TxBufSize,
		"rx_flow": cfg.RxFlowControl,
		"tx_flow": cfg.TxFlowControl,
	}).Info("Configured UART")
	p.sched.Schedule(p.no, false)
	return nil
}

// resize reallocates rb to capacity, keeping as much of the buffered data as fits.
func resize(rb *RingBuffer, capacity int) error {
	if rb.Cap() == capacity {
		return nil
	}
	keep := min(rb.Used(), capacity)
	saved := make([]byte, keep)
	for i := range saved {
		saved[i] = rb.At(i)
	}
	if err := rb.Init(capacity); err != nil {
		return err
	}
	return rb.Append(saved)
}

func formatString(cfg *Config) string {
	par := "N"
	switch cfg.Parity {
	case ParityEven:
		par = "E"
	case ParityOdd:
		par = "O"
	}
	return string(rune('0'+cfg.DataBits)) + par + cfg.StopBits.String()
}

// Config returns the configuration in effect.
func (p *Port) Config() (Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.configured {
		return Config{}, errors.Wrapf(ErrNotConfigured, "uart %d", p.no)
	}
	return p.cfg, nil
}

// SetRxEnabled starts or stops moving received bytes into the RX buffer.
// Already buffered bytes stay readable. With hardware flow control the far
// end is throttled while RX is disabled.
func (p *Port) SetRxEnabled(on bool) {
	p.mu.Lock()
	p.rxEnabled = on
	if p.configured {
		p.applyRTS()
		p.dispatchBottom()
	}
	p.mu.Unlock()
	p.sched.Schedule(p.no, false)
}

// RxEnabled reports whether RX is enabled.
func (p *Port) RxEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rxEnabled
}

// SetDispatcher installs cb to run on every dispatch, after the top halves and
// before interrupts are re-armed. cb runs without the port lock held and may
// call Read and TryWrite; a Read from cb never requests another dispatch.
// nil removes it.
func (p *Port) SetDispatcher(cb func(*Port)) {
	p.mu.Lock()
	p.dispatcher = cb
	p.mu.Unlock()
}

func (p *Port) applyRTS() {
	p.hw.SetRTSThrottle(p.cfg.RxFlowControl == FlowHW && !p.rxEnabled)
}

// serviceInterrupt is the top half. It never touches the ring buffers.
func (p *Port) serviceInterrupt() {
	hw := p.hw
	st := hw.RawIntStatus() & hw.IntEnable()
	if st == 0 {
		return
	}
	p.stats.ints.Add(1)

	if st.Has(IntRxOverflow) {
		p.stats.rxOverflows.Add(1)
		if hw.Quirks()&QuirkResetOnOverflow != 0 {
			hw.ResetRxFIFO()
		}
	}
	if st.Has(IntCTSChange) && hw.CTSBlocked() && (hw.TxFIFOLen() > 0 || p.txQueued.Load() > 0) {
		p.stats.txThrottles.Add(1)
	}
	if st.Has(IntTxDone) && p.txQueued.Load() == 0 && hw.TxFIFOLen() == 0 {
		hw.DisableInts(IntTxDone)
		p.releaseTxEnable()
	}

	var dispatch bool
	if st.Has(RxInts) {
		p.stats.rxInts.Add(1)
		dispatch = true
	}
	if st.Has(TxInts) {
		p.stats.txInts.Add(1)
		dispatch = true
	}
	if dispatch {
		hw.DisableInts(RxInts | TxInts)
		p.sched.Schedule(p.no, true)
	}
	hw.ClearInt(st)
}

// Dispatch runs the RX and TX top halves, the user dispatcher and the bottom
// half that re-arms interrupts. Schedulers call it; calling it directly is
// harmless.
func (p *Port) Dispatch() {
	p.mu.Lock()
	if !p.configured {
		p.mu.Unlock()
		return
	}
	if p.rxEnabled {
		p.dispatchRxTop(true)
	}
	p.checkXON()
	if p.txAllowed() {
		p.dispatchTxTop()
	}
	cb := p.dispatcher
	p.inCallback = cb != nil
	p.mu.Unlock()

	if cb != nil {
		cb(p)
	}

	p.mu.Lock()
	p.inCallback = false
	if !p.configured {
		p.mu.Unlock()
		return
	}
	p.dispatchBottom()
	readable := p.rx.Used() > 0
	writable := p.tx.Avail() > 0
	overflows := p.stats.rxOverflows.Load()
	newOverflows := overflows - p.overflows
	p.overflows = overflows
	p.mu.Unlock()

	if newOverflows != 0 {
		p.log.WithFields(logrus.Fields{
			"overflows": newOverflows,
			"reset":     p.hw.Quirks()&QuirkResetOnOverflow != 0,
		}).Debug("RX FIFO overflow")
	}
	if readable {
		signal(p.notify)
	}
	if writable {
		signal(p.txNotify)
	}
}

// dispatchRxTop moves bytes from the RX FIFO into the RX buffer. With linger
// set it keeps polling for up to RxLingerMicros after the FIFO runs dry.
func (p *Port) dispatchRxTop(linger bool) {
	hw := p.hw
	lingerFor := int64(p.cfg.RxLingerMicros)
	if !linger {
		lingerFor = 0
	}
	start := hw.Micros()
	var deadline int64
	lingering := false
	for p.rx.Avail() > 0 {
		n := hw.RxFIFOLen()
		if n == 0 {
			if lingerFor == 0 {
				break
			}
			now := hw.Micros()
			if !lingering {
				if now-start >= rxTopBudgetMicros {
					break
				}
				lingering = true
				deadline = now + lingerFor
				continue
			}
			if now >= deadline {
				break
			}
			continue
		}
		if lingering {
			p.stats.rxLingerConts.Add(1)
			lingering = false
		}
		for n > 0 && p.rx.Avail() > 0 {
			span := p.rx.ContigTailSpace()
			k := min(n, len(span))
			for i := 0; i < k; i++ {
				span[i] = hw.ReadFIFO()
			}
			_ = p.rx.AdvanceTail(k)
			p.stats.rxBytes.Add(uint32(k))
			n -= k
		}
		p.checkXOFF()
	}
	p.checkXOFF()
}

// checkXOFF sends XOFF straight to the TX FIFO the first time RX occupancy
// reaches the XOFF level.
func (p *Port) checkXOFF() {
	if p.cfg.RxFlowControl != FlowSW || p.xoffSent || p.rx.Used() < p.cfg.xoffLevel() {
		return
	}
	if p.hw.TxFIFOLen() >= p.hw.FIFODepth() {
		return
	}
	p.txEnable()
	p.hw.WriteFIFO(XOFF)
	p.xoffSent = true
	p.stats.xoffSent.Add(1)
	p.stats.txBytes.Add(1)
	p.log.WithField("rx_used", p.rx.Used()).Debug("Sent XOFF")
}

// checkXON queues XON behind pending TX data once occupancy has dropped below
// the low-water mark. Until then no further XOFF is sent.
func (p *Port) checkXON() {
	if !p.xoffSent || !p.rxEnabled || p.rx.Used() >= p.cfg.xonLevel() || p.tx.Avail() == 0 {
		return
	}
	_ = p.tx.AppendOne(XON)
	p.txQueued.Store(int32(p.tx.Used()))
	p.xoffSent = false
	p.stats.xonSent.Add(1)
	p.log.WithField("rx_used", p.rx.Used()).Debug("Queued XON")
}

// txAllowed reports whether the far end lets us transmit. A received XOFF
// lapses after XOFFTimeout.
func (p *Port) txAllowed() bool {
	if p.xoffRecvAt == 0 {
		return true
	}
	if p.hw.Micros()-p.xoffRecvAt >= XOFFTimeout.Microseconds() {
		p.log.Debug("XOFF expired")
		p.xoffRecvAt = 0
		return true
	}
	return false
}

// dispatchTxTop moves bytes from the TX buffer into the TX FIFO.
func (p *Port) dispatchTxTop() {
	hw := p.hw
	depth := hw.FIFODepth()
	for p.tx.Used() > 0 {
		room := depth - hw.TxFIFOLen()
		if room <= 0 {
			break
		}
		span := p.tx.Get(room)
		if len(span) == 0 {
			break
		}
		p.txEnable()
		for _, b := range span {
			hw.WriteFIFO(b)
		}
		_ = p.tx.Consume(len(span))
		p.stats.txBytes.Add(uint32(len(span)))
	}
	p.txQueued.Store(int32(p.tx.Used()))
}

func (p *Port) txEnable() {
	if p.txEn != nil && p.txEnOn.CompareAndSwap(false, true) {
		_ = p.txEn.Out(p.txEnActive)
	}
}

// releaseTxEnable drops the TX enable pin once the TX buffer, the TX FIFO and
// the shifter are all empty, and discards the echo of what was sent.
func (p *Port) releaseTxEnable() {
	hw := p.hw
	if p.txQueued.Load() != 0 || hw.TxFIFOLen() != 0 || !hw.TxIdle() {
		return
	}
	if p.txEnOn.CompareAndSwap(true, false) {
		_ = p.txEn.Out(!p.txEnActive)
		hw.ResetRxFIFO()
	}
}

// dispatchBottom re-arms interrupts from the current buffer state. Devices
// without a TX done interrupt get the TX enable pin released here or by Flush.
func (p *Port) dispatchBottom() {
	if p.txEnOn.Load() {
		p.releaseTxEnable()
	}
	want := InfoInts
	if p.rxEnabled && p.rx.Avail() > 0 {
		want |= RxInts
	}
	if p.tx.Used() > 0 && p.xoffRecvAt == 0 {
		want |= TxInts
	} else if p.txEnOn.Load() {
		want |= IntTxDone
	}
	p.hw.DisableInts((RxInts | TxInts | IntTxDone) &^ want)
	p.hw.EnableInts(want)
}

// Read copies up to len(b) buffered bytes into b without blocking. It returns
// 0, nil when nothing is buffered. With software TX flow control, XON and
// XOFF are consumed here and never returned.
func (p *Port) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	if err := p.usable(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	if p.rxEnabled {
		p.dispatchRxTop(false)
	}
	wasFull := p.rx.Avail() == 0
	xoffSent := p.xoffSent
	paused := p.xoffRecvAt != 0
	filter := p.cfg.TxFlowControl == FlowSW
	n := 0
	for n < len(b) {
		span := p.rx.Get(len(b) - n)
		if len(span) == 0 {
			break
		}
		if filter {
			n += p.filterFlowChars(b[n:], span)
		} else {
			n += copy(b[n:], span)
		}
		_ = p.rx.Consume(len(span))
	}
	p.checkXON()
	// Dispatch is only needed to re-arm RX interrupts that a full buffer left
	// off, to send a freshly queued XON, or to resume TX after a received XON.
	resched := !p.inCallback &&
		((p.rxEnabled && wasFull && p.rx.Avail() > 0) ||
			(xoffSent && !p.xoffSent) ||
			(paused && p.xoffRecvAt == 0 && p.tx.Used() > 0))
	if resched {
		p.sched.Schedule(p.no, false)
	}
	p.mu.Unlock()
	return n, nil
}

func (p *Port) filterFlowChars(dst, src []byte) int {
	n := 0
	for _, c := range src {
		switch c {
		case XON:
			if p.xoffRecvAt != 0 {
				p.log.Debug("Received XON")
			}
			p.xoffRecvAt = 0
		case XOFF:
			p.xoffRecvAt = max(p.hw.Micros(), 1)
			p.stats.xoffReceived.Add(1)
			p.log.Debug("Received XOFF")
		default:
			dst[n] = c
			n++
		}
	}
	return n
}

// ReadAvail returns the number of buffered RX bytes.
func (p *Port) ReadAvail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.Used()
}

// WriteAvail returns the free space in the TX buffer.
func (p *Port) WriteAvail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Avail()
}

// TryWrite queues as much of b as fits into the TX buffer and returns the
// number of bytes accepted. It never blocks.
func (p *Port) TryWrite(b []byte) int {
	n, _ := p.tryWrite(b)
	return n
}

func (p *Port) tryWrite(b []byte) (int, error) {
	p.mu.Lock()
	if err := p.usable(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	n := min(len(b), p.tx.Avail())
	_ = p.tx.Append(b[:n])
	p.txQueued.Store(int32(p.tx.Used()))
	p.mu.Unlock()
	if n > 0 {
		p.sched.Schedule(p.no, false)
	}
	return n, nil
}

// Stats returns a snapshot of the counters.
func (p *Port) Stats() Stats {
	return p.stats.snapshot()
}

// Close disables the port's interrupts, frees its buffers and removes it from
// the port table. Blocked readers and writers return ErrClosed.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		return nil
	}
	p.hw.SetIntEnable(0)
	p.hw.DisableIRQ()
	p.rx.Deinit()
	p.tx.Deinit()
	p.txQueued.Store(0)
	p.configured = false
	p.rxEnabled = false
	p.closeOnce.Do(func() { close(p.closed) })
	p.mu.Unlock()

	unregister(p.no, p)
	p.log.Info("Closed UART")
	return nil
}

func (p *Port) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Port) usable() error {
	if p.isClosed() {
		return ErrClosed
	}
	if !p.configured {
		return errors.Wrapf(ErrNotConfigured, "uart %d", p.no)
	}
	return nil
}

// signal performs a coalesced, non-blocking notification.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
