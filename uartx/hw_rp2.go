//go:build rp2040 || rp2350

package uartx

import (
	"device/rp"
	"machine"
	"runtime/interrupt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const pl011Depth = 32

// PL011 drives one RP2040/RP2350 UART. FIFO levels are not readable on this
// peripheral, so RxFIFOLen and TxFIFOLen report coarse values derived from
// the flag register; callers treat them as lower bounds.
type PL011 struct {
	Bus   *rp.UART0_Type
	index int
	irq   interrupt.Interrupt

	rxHWFlow bool
}

var (
	pl011Port [2]atomic.Int32
	rp2Start  = time.Now()

	UART0 = &PL011{Bus: rp.UART0, index: 0}
	UART1 = &PL011{Bus: rp.UART1, index: 1}
)

func init() {
	pl011Port[0].Store(-1)
	pl011Port[1].Store(-1)
	UART0.irq = interrupt.New(rp.IRQ_UART0_IRQ, func(interrupt.Interrupt) {
		HandleInterrupt(int(pl011Port[0].Load()))
	})
	UART1.irq = interrupt.New(rp.IRQ_UART1_IRQ, func(interrupt.Interrupt) {
		HandleInterrupt(int(pl011Port[1].Load()))
	})
}

// reset asserts and releases the peripheral reset for the selected PL011.
func (u *PL011) reset() {
	var resetVal uint32
	switch {
	case u.Bus == rp.UART0:
		resetVal = rp.RESETS_RESET_UART0
	case u.Bus == rp.UART1:
		resetVal = rp.RESETS_RESET_UART1
	}
	rp.RESETS.RESET.SetBits(resetVal)
	rp.RESETS.RESET.ClearBits(resetVal)
	for !rp.RESETS.RESET_DONE.HasBits(resetVal) {
	}
}

func (u *PL011) FIFODepth() int { return pl011Depth }

func (u *PL011) RxFIFOLen() int {
	if u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_RXFE) {
		return 0
	}
	return 1
}

func (u *PL011) TxFIFOLen() int {
	switch {
	case u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_TXFE):
		return 0
	case u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_TXFF):
		return pl011Depth
	}
	return pl011Depth - 1
}

// ReadFIFO pops one byte. Bytes with break, parity or framing errors read as
// they arrived; reading DR clears the per-byte flags.
func (u *PL011) ReadFIFO() byte {
	return byte(u.Bus.UARTDR.Get() & 0xFF)
}

func (u *PL011) WriteFIFO(b byte) {
	u.Bus.UARTDR.Set(uint32(b))
}

func (u *PL011) ResetRxFIFO() {
	for !u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_RXFE) {
		_ = u.Bus.UARTDR.Get()
	}
	// Clear sticky RX errors (ECR share-address via RSR).
	u.Bus.UARTRSR.Set(0)
}

func (u *PL011) RawIntStatus() IntMask {
	m := fromPL011(u.Bus.UARTRIS.Get())
	// No interrupt exists for "shifter idle"; report it for status only.
	if u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_TXFE) && !u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_BUSY) {
		m |= IntTxDone
	}
	return m
}

func (u *PL011) IntEnable() IntMask { return fromPL011(u.Bus.UARTIMSC.Get()) }

func (u *PL011) SetIntEnable(m IntMask) {
	state := interrupt.Disable()
	u.Bus.UARTIMSC.Set(toPL011(m))
	interrupt.Restore(state)
}

func (u *PL011) EnableInts(m IntMask) {
	state := interrupt.Disable()
	u.Bus.UARTIMSC.SetBits(toPL011(m))
	interrupt.Restore(state)
}

func (u *PL011) DisableInts(m IntMask) {
	state := interrupt.Disable()
	u.Bus.UARTIMSC.ClearBits(toPL011(m))
	interrupt.Restore(state)
}

func (u *PL011) ClearInt(m IntMask) { u.Bus.UARTICR.Set(toPL011(m)) }

// CheckConfig rejects what the PL011 cannot do: 1.5 stop bits, and baud
// rates outside the divisor range.
func (u *PL011) CheckConfig(cfg *Config) error {
	if cfg.StopBits == StopBits1_5 {
		return errors.Wrap(ErrInvalidConfig, "PL011 has no 1.5 stop bit mode")
	}
	if cfg.BaudRate <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "baud rate %d", cfg.BaudRate)
	}
	if div := 8 * machine.CPUFrequency() / uint32(cfg.BaudRate); div>>7 == 0 || div>>7 >= 65535 {
		return errors.Wrapf(ErrInvalidConfig, "baud rate %d out of divisor range", cfg.BaudRate)
	}
	return nil
}

// SetBaudRate programs the PL011 integer and fractional divisors and performs
// the "dummy" LCR_H write required to latch them.
func (u *PL011) SetBaudRate(br uint32) error {
	if br == 0 {
		return errors.Wrap(ErrInvalidConfig, "baud rate 0")
	}
	div := 8 * machine.CPUFrequency() / br

	ibrd := div >> 7
	var fbrd uint32
	switch {
	case ibrd == 0:
		ibrd = 1
		fbrd = 0
	case ibrd >= 65535:
		ibrd = 65535
		fbrd = 0
	default:
		fbrd = ((div & 0x7f) + 1) / 2
	}

	u.Bus.UARTIBRD.Set(ibrd)
	u.Bus.UARTFBRD.Set(fbrd)

	// PL011 requires an LCR_H write after changing divisors.
	u.Bus.UARTLCR_H.Set(u.Bus.UARTLCR_H.Get())
	return nil
}

// SetFormat muxes the pins, writes the full LCR_H value, selects FIFO
// interrupt levels and enables the UART with the requested flow control.
func (u *PL011) SetFormat(cfg *Config) error {
	if cfg.StopBits == StopBits1_5 {
		return errors.Wrap(ErrInvalidConfig, "PL011 has no 1.5 stop bit mode")
	}
	u.Bus.UARTCR.ClearBits(rp.UART0_UARTCR_UARTEN | rp.UART0_UARTCR_RXE | rp.UART0_UARTCR_TXE)

	for _, pin := range []int{cfg.Dev.TxPin, cfg.Dev.RxPin, cfg.Dev.RTSPin, cfg.Dev.CTSPin} {
		if pin >= 0 {
			machine.Pin(pin).Configure(machine.PinConfig{Mode: machine.PinUART})
		}
	}

	var pen, pev uint32
	if cfg.Parity != ParityNone {
		pen = rp.UART0_UARTLCR_H_PEN
		if cfg.Parity == ParityEven {
			pev = rp.UART0_UARTLCR_H_EPS
		}
	}
	var stp2 uint32
	if cfg.StopBits == StopBits2 {
		stp2 = rp.UART0_UARTLCR_H_STP2
	}
	u.Bus.UARTLCR_H.Set(uint32(cfg.DataBits-5)<<rp.UART0_UARTLCR_H_WLEN_Pos |
		stp2 | pen | pev | rp.UART0_UARTLCR_H_FEN)

	u.Bus.UARTIFLS.Set(ifls(cfg.Dev.RxFIFOFullThresh)<<rp.UART0_UARTIFLS_RXIFLSEL_Pos |
		ifls(pl011Depth-cfg.Dev.TxFIFOEmptyThresh)<<rp.UART0_UARTIFLS_TXIFLSEL_Pos)

	u.rxHWFlow = cfg.RxFlowControl == FlowHW
	settings := uint32(rp.UART0_UARTCR_UARTEN | rp.UART0_UARTCR_RXE | rp.UART0_UARTCR_TXE | rp.UART0_UARTCR_RTS)
	if u.rxHWFlow {
		settings |= rp.UART0_UARTCR_RTSEN
	}
	if cfg.TxFlowControl == FlowHW {
		settings |= rp.UART0_UARTCR_CTSEN
	}
	u.Bus.UARTCR.Set(settings)
	return nil
}

// ifls maps a byte level to the nearest PL011 FIFO level select at or below it
// (1/8, 1/4, 1/2, 3/4, 7/8 of 32).
func ifls(level int) uint32 {
	switch {
	case level >= 28:
		return 4
	case level >= 24:
		return 3
	case level >= 16:
		return 2
	case level >= 8:
		return 1
	}
	return 0
}

func (u *PL011) SetRTSThrottle(on bool) {
	if on {
		u.Bus.UARTCR.ClearBits(rp.UART0_UARTCR_RTSEN | rp.UART0_UARTCR_RTS)
		return
	}
	if u.rxHWFlow {
		u.Bus.UARTCR.SetBits(rp.UART0_UARTCR_RTSEN)
	}
	u.Bus.UARTCR.SetBits(rp.UART0_UARTCR_RTS)
}

func (u *PL011) CTSBlocked() bool { return !u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_CTS) }

// TxIdle reports FR.BUSY==0 (shifter idle).
func (u *PL011) TxIdle() bool { return !u.Bus.UARTFR.HasBits(rp.UART0_UARTFR_BUSY) }

func (u *PL011) Micros() int64 { return time.Since(rp2Start).Microseconds() }

func (u *PL011) Quirks() Quirks { return 0 }

func (u *PL011) EnableIRQ(no int) error {
	u.reset()
	pl011Port[u.index].Store(int32(no))
	u.Bus.UARTICR.Set(0x7FF)
	u.irq.SetPriority(0x80)
	u.irq.Enable()
	return nil
}

func (u *PL011) DisableIRQ() {
	u.irq.Disable()
	pl011Port[u.index].Store(-1)
}

func toPL011(m IntMask) uint32 {
	var r uint32
	if m.Has(IntRxFull) {
		r |= rp.UART0_UARTIMSC_RXIM
	}
	if m.Has(IntRxTimeout) {
		r |= rp.UART0_UARTIMSC_RTIM
	}
	if m.Has(IntTxEmpty) {
		r |= rp.UART0_UARTIMSC_TXIM
	}
	if m.Has(IntRxOverflow) {
		r |= rp.UART0_UARTIMSC_OEIM
	}
	if m.Has(IntCTSChange) {
		r |= rp.UART0_UARTIMSC_CTSMIM
	}
	return r
}

// fromPL011 decodes IMSC, RIS or MIS; the three share a bit layout.
func fromPL011(r uint32) IntMask {
	var m IntMask
	if r&rp.UART0_UARTIMSC_RXIM != 0 {
		m |= IntRxFull
	}
	if r&rp.UART0_UARTIMSC_RTIM != 0 {
		m |= IntRxTimeout
	}
	if r&rp.UART0_UARTIMSC_TXIM != 0 {
		m |= IntTxEmpty
	}
	if r&rp.UART0_UARTIMSC_OEIM != 0 {
		m |= IntRxOverflow
	}
	if r&rp.UART0_UARTIMSC_CTSMIM != 0 {
		m |= IntCTSChange
	}
	return m
}
