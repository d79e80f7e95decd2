package uartx

import "strconv"

// IntMask is a set of UART interrupt sources. The same bits are used for raw
// status, enable and clear registers.
type IntMask uint32

const (
	// IntRxFull is level triggered while the RX FIFO holds at least
	// rx_fifo_full_thresh bytes.
	IntRxFull IntMask = 1 << iota
	// IntRxTimeout fires when the RX FIFO is non-empty and the line has been
	// idle for rx_fifo_alarm character times.
	IntRxTimeout
	// IntTxEmpty is level triggered while the TX FIFO holds no more than
	// tx_fifo_empty_thresh bytes.
	IntTxEmpty
	// IntRxOverflow latches when a byte is dropped because the RX FIFO is full.
	IntRxOverflow
	// IntCTSChange latches on any CTS input transition.
	IntCTSChange
	// IntTxDone latches when the transmitter goes idle with an empty TX FIFO.
	IntTxDone
)

const (
	RxInts   = IntRxFull | IntRxTimeout
	TxInts   = IntTxEmpty
	InfoInts = IntRxOverflow | IntCTSChange
)

func (m IntMask) Has(bits IntMask) bool { return m&bits != 0 }

var intNames = [...]string{"rx_full", "rx_timeout", "tx_empty", "rx_overflow", "cts_change", "tx_done"}

func (m IntMask) String() string {
	if m == 0 {
		return "0"
	}
	s := ""
	for i, name := range intNames {
		if m&(1<<uint(i)) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if rest := m &^ (1<<uint(len(intNames)) - 1); rest != 0 {
		if s != "" {
			s += "|"
		}
		s += "0x" + strconv.FormatUint(uint64(rest), 16)
	}
	return s
}

// Quirks lists hardware behaviours the driver has to work around.
type Quirks uint32

const (
	// QuirkResetOnOverflow marks hardware whose RX FIFO must be reset after an
	// overflow, otherwise it keeps reporting a phantom byte.
	QuirkResetOnOverflow Quirks = 1 << iota
)

// Hardware is the register-level capability a Port drives. Implementations
// must be safe to call from the interrupt top half and from dispatch context
// concurrently; the driver never calls the FIFO accessors from both at once.
type Hardware interface {
	// FIFODepth is the capacity of each of the RX and TX FIFOs.
	FIFODepth() int
	RxFIFOLen() int
	TxFIFOLen() int
	// ReadFIFO pops one byte. Only valid while RxFIFOLen() > 0.
	ReadFIFO() byte
	// WriteFIFO pushes one byte. Only valid while TxFIFOLen() < FIFODepth().
	WriteFIFO(b byte)
	ResetRxFIFO()

	RawIntStatus() IntMask
	IntEnable() IntMask
	SetIntEnable(m IntMask)
	// EnableInts and DisableInts set and clear enable bits atomically with
	// respect to the interrupt handler.
	EnableInts(m IntMask)
	DisableInts(m IntMask)
	ClearInt(m IntMask)

	// CheckConfig reports whether the device can run cfg. It touches no
	// registers, so a rejected config leaves the device as it was.
	CheckConfig(cfg *Config) error
	// SetBaudRate programs the clock divisor closest to baud.
	SetBaudRate(baud uint32) error
	// SetFormat programs data bits, parity, stop bits, FIFO thresholds and
	// hardware flow control from cfg.
	SetFormat(cfg *Config) error
	// SetRTSThrottle forces RTS to "stop" while on is true, regardless of FIFO level.
	SetRTSThrottle(on bool)
	// CTSBlocked reports whether the far end currently forbids transmission.
	CTSBlocked() bool
	// TxIdle reports whether the transmit shift register is idle.
	TxIdle() bool

	// Micros reads a monotonic microsecond clock.
	Micros() int64
	Quirks() Quirks

	// EnableIRQ routes the device interrupt to HandleInterrupt(no).
	EnableIRQ(no int) error
	DisableIRQ()
}
