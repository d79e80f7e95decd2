package uartx

import "sync/atomic"

// Stats is a snapshot of a port's counters. All counters are monotonic and
// wrap at 2^32.
type Stats struct {
	Ints          uint32 `json:"ints"`            // interrupts serviced with a non-empty masked status
	RxInts        uint32 `json:"rx_ints"`         // RX full or RX timeout interrupts
	RxBytes       uint32 `json:"rx_bytes"`        // bytes moved from the RX FIFO into the RX ring
	RxOverflows   uint32 `json:"rx_overflows"`    // RX FIFO overflow events
	RxLingerConts uint32 `json:"rx_linger_conts"` // RX drains extended because bytes arrived while lingering
	TxInts        uint32 `json:"tx_ints"`         // TX empty interrupts
	TxBytes       uint32 `json:"tx_bytes"`        // bytes moved from the TX ring into the TX FIFO
	TxThrottles   uint32 `json:"tx_throttles"`    // CTS asserted while TX data was pending
	XOFFSent      uint32 `json:"xoff_sent"`
	XONSent       uint32 `json:"xon_sent"`
	XOFFReceived  uint32 `json:"xoff_received"`
}

// Sub returns the counter deltas s - prev.
func (s Stats) Sub(prev Stats) Stats {
	return Stats{
		Ints:          s.Ints - prev.Ints,
		RxInts:        s.RxInts - prev.RxInts,
		RxBytes:       s.RxBytes - prev.RxBytes,
		RxOverflows:   s.RxOverflows - prev.RxOverflows,
		RxLingerConts: s.RxLingerConts - prev.RxLingerConts,
		TxInts:        s.TxInts - prev.TxInts,
		TxBytes:       s.TxBytes - prev.TxBytes,
		TxThrottles:   s.TxThrottles - prev.TxThrottles,
		XOFFSent:      s.XOFFSent - prev.XOFFSent,
		XONSent:       s.XONSent - prev.XONSent,
		XOFFReceived:  s.XOFFReceived - prev.XOFFReceived,
	}
}

// stats holds the live counters. The interrupt top half and dispatch both
// write them, diagnostics read them.
type stats struct {
	ints          atomic.Uint32
	rxInts        atomic.Uint32
	rxBytes       atomic.Uint32
	rxOverflows   atomic.Uint32
	rxLingerConts atomic.Uint32
	txInts        atomic.Uint32
	txBytes       atomic.Uint32
	txThrottles   atomic.Uint32
	xoffSent      atomic.Uint32
	xonSent       atomic.Uint32
	xoffReceived  atomic.Uint32
}

func (s *stats) snapshot() Stats {
	return Stats{
		Ints:          s.ints.Load(),
		RxInts:        s.rxInts.Load(),
		RxBytes:       s.rxBytes.Load(),
		RxOverflows:   s.rxOverflows.Load(),
		RxLingerConts: s.rxLingerConts.Load(),
		TxInts:        s.txInts.Load(),
		TxBytes:       s.txBytes.Load(),
		TxThrottles:   s.txThrottles.Load(),
		XOFFSent:      s.xoffSent.Load(),
		XONSent:       s.xonSent.Load(),
		XOFFReceived:  s.xoffReceived.Load(),
	}
}
