package uartx

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is a point-in-time view of a port for diagnostics.
type Status struct {
	Stats     Stats   `json:"stats"`
	RxUsed    int     `json:"rx_used"`
	RxFIFO    int     `json:"rx_fifo"`
	TxUsed    int     `json:"tx_used"`
	TxFIFO    int     `json:"tx_fifo"`
	RawInts   IntMask `json:"raw_ints"`
	IntEnable IntMask `json:"int_enable"`
	CTS       bool    `json:"cts_blocked"`
	RxEnabled bool    `json:"rx_enabled"`
	XOFFSent  bool    `json:"xoff_sent"`
	TxPaused  bool    `json:"tx_paused"`
}

// Status samples counters, buffer and FIFO levels and interrupt registers.
func (p *Port) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Stats:     p.stats.snapshot(),
		RxUsed:    p.rx.Used(),
		RxFIFO:    p.hw.RxFIFOLen(),
		TxUsed:    p.tx.Used(),
		TxFIFO:    p.hw.TxFIFOLen(),
		RawInts:   p.hw.RawIntStatus(),
		IntEnable: p.hw.IntEnable(),
		CTS:       p.hw.CTSBlocked(),
		RxEnabled: p.rxEnabled,
		XOFFSent:  p.xoffSent,
		TxPaused:  p.xoffRecvAt != 0,
	}
}

// ReportStatus logs a status line with counter deltas every interval until
// ctx is done.
func (p *Port) ReportStatus(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	prev := p.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		case <-t.C:
		}
		st := p.Status()
		d := st.Stats.Sub(prev)
		prev = st.Stats
		p.log.WithFields(logrus.Fields{
			"ints":      d.Ints,
			"rx_ints":   d.RxInts,
			"rx_bytes":  d.RxBytes,
			"rx_ovf":    d.RxOverflows,
			"rx_linger": d.RxLingerConts,
			"tx_ints":   d.TxInts,
			"tx_bytes":  d.TxBytes,
			"tx_thr":    d.TxThrottles,
			"rx_buf":    st.RxUsed,
			"rx_fifo":   st.RxFIFO,
			"tx_buf":    st.TxUsed,
			"tx_fifo":   st.TxFIFO,
			"raw":       st.RawInts,
			"ena":       st.IntEnable,
			"cts":       st.CTS,
		}).Info("UART status")
	}
}
