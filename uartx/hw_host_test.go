package uartx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostHW_Baud(t *testing.T) {
	hw := NewHostHW(HostOptions{})
	require.NoError(t, hw.SetBaudRate(9600))
	assert.InDelta(t, 9600, hw.Baud(), 1)
	require.NoError(t, hw.SetBaudRate(115200))
	assert.InDelta(t, 115200, hw.Baud(), 2)
	require.Error(t, hw.SetBaudRate(0))
}

func TestHostHW_RxTimeoutFollowsVirtualClock(t *testing.T) {
	hw := NewHostHW(HostOptions{})
	cfg := DefaultConfig(0)
	require.NoError(t, hw.SetBaudRate(uint32(cfg.BaudRate)))
	require.NoError(t, hw.SetFormat(&cfg))

	hw.Inject('a')
	raw := hw.RawIntStatus()
	assert.False(t, raw.Has(IntRxTimeout))
	assert.False(t, raw.Has(IntRxFull), "below the full threshold")

	// Ten idle character times at 115200 8N1.
	hw.Advance(int64(cfg.Dev.RxFIFOAlarm) * 87)
	assert.True(t, hw.RawIntStatus().Has(IntRxTimeout))

	hw.ReadFIFO()
	assert.False(t, hw.RawIntStatus().Has(IntRxTimeout), "empty FIFO never times out")
}

func TestHostHW_InjectAt(t *testing.T) {
	hw := NewHostHW(HostOptions{})
	hw.InjectAt(100, 'x', 'y')
	assert.Zero(t, hw.RxFIFOLen())
	hw.Advance(100)
	assert.Equal(t, 2, hw.RxFIFOLen())
	assert.Equal(t, byte('x'), hw.ReadFIFO())
	assert.Equal(t, byte('y'), hw.ReadFIFO())
}

func TestHostHW_OverflowAndReset(t *testing.T) {
	hw := NewHostHW(HostOptions{Depth: 4, ResetOnOverflow: true})
	assert.Equal(t, 4, hw.Inject(1, 2, 3, 4, 5, 6))
	assert.True(t, hw.RawIntStatus().Has(IntRxOverflow))
	assert.Equal(t, 5, hw.RxFIFOLen(), "phantom byte until reset")

	hw.ResetRxFIFO()
	hw.ClearInt(IntRxOverflow)
	assert.Zero(t, hw.RxFIFOLen())
	assert.False(t, hw.RawIntStatus().Has(IntRxOverflow))
}

func TestHostHW_RTSDrivesPeerCTS(t *testing.T) {
	a := NewHostHW(HostOptions{})
	b := NewHostHW(HostOptions{})
	Connect(a, b)

	cfg := DefaultConfig(0)
	cfg.RxFlowControl = FlowHW
	cfg.TxFlowControl = FlowHW
	cfg.Dev.RxFIFOFullThresh = 2
	cfg.Dev.RxFIFOFCThresh = 4
	require.NoError(t, a.SetFormat(&cfg))
	require.NoError(t, b.SetFormat(&cfg))

	b.Inject(1, 2, 3, 4)
	assert.True(t, b.RTS())
	assert.True(t, a.CTSBlocked())

	// Held by CTS.
	a.WriteFIFO(9)
	assert.Equal(t, 1, a.TxFIFOLen())
	assert.False(t, a.TxIdle())

	// One byte of room lets exactly one held byte through.
	assert.Equal(t, byte(1), b.ReadFIFO())
	assert.Zero(t, a.TxFIFOLen())
	assert.Equal(t, 4, b.RxFIFOLen())
	assert.True(t, a.CTSBlocked())

	b.ResetRxFIFO()
	assert.False(t, b.RTS())
	assert.False(t, a.CTSBlocked())

	b.SetRTSThrottle(true)
	assert.True(t, a.CTSBlocked())
	b.SetRTSThrottle(false)
	assert.False(t, a.CTSBlocked())
}

func TestHostHW_TransmitRouting(t *testing.T) {
	hw := NewHostHW(HostOptions{})
	hw.WriteFIFO('c')
	assert.Equal(t, []byte("c"), hw.TakeTransmitted())
	assert.Nil(t, hw.TakeTransmitted())
	assert.True(t, hw.RawIntStatus().Has(IntTxDone))

	var out []byte
	hw.OnTransmit(func(b byte) { out = append(out, b) })
	hw.WriteFIFO('d')
	assert.Equal(t, []byte("d"), out)
	assert.Nil(t, hw.TakeTransmitted())
}

func TestIntMask_String(t *testing.T) {
	assert.Equal(t, "0", IntMask(0).String())
	assert.Contains(t, (IntRxFull | IntTxEmpty).String(), "rx_full")
}
