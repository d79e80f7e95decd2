//go:build rp2040 || rp2350

// Cross-UART integrity test for the Pico.
//
// Wiring:
//
//	U0 TX=GP0 -> U1 RX=GP5
//	U1 TX=GP4 -> U0 RX=GP1
//
// Flow control unused (RTS/CTS not connected).
package main

import (
	"context"
	"machine"
	"time"

	"github.com/jangala-dev/uartx-dispatch/uartx"
)

const (
	baud           = 460800
	totalBytes     = 64 * 1024 // per direction
	timeoutPerTest = 10 * time.Second
	warmupDelay    = 2 * time.Second
	sendChunk      = 192
	recvChunk      = 256
	contextRadius  = 16
)

func patternA(i int) byte { return byte(i*31 + 0x55) }
func patternB(i int) byte { return byte(i*17 + 0xA6) }

func main() {
	time.Sleep(warmupDelay)
	println("uartx integrity test")
	println("baud =", baud, "  bytes/dir =", totalBytes)

	// Hold RX high before the pins are muxed to the UART.
	machine.Pin(1).Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	machine.Pin(5).Configure(machine.PinConfig{Mode: machine.PinInputPullup})

	u0 := open(0, uartx.UART0, 0, 1)
	u1 := open(1, uartx.UART1, 4, 5)
	machine.LED.Configure(machine.PinConfig{Mode: machine.PinOutput})

	ctx, cancel := context.WithTimeout(context.Background(), timeoutPerTest)
	defer cancel()

	errCh := make(chan string, 2)
	go func() { errCh <- recvAndCheck(ctx, u1, patternA, totalBytes) }()
	go func() { errCh <- recvAndCheck(ctx, u0, patternB, totalBytes) }()
	go sendPattern(ctx, u0, patternA, totalBytes)
	go sendPattern(ctx, u1, patternB, totalBytes)

	fail := 0
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != "" {
			println("[FAIL]", err)
			fail++
		}
	}
	for i, u := range []*uartx.Port{u0, u1} {
		s := u.Stats()
		println("uart", i, "ints", s.Ints, "rx", s.RxBytes, "tx", s.TxBytes, "ovf", s.RxOverflows, "linger", s.RxLingerConts)
	}
	if fail == 0 {
		println("[PASS] full-duplex integrity")
		blink(machine.LED, 3, 120*time.Millisecond)
		return
	}
	for {
		blink(machine.LED, 1, 600*time.Millisecond)
		time.Sleep(800 * time.Millisecond)
	}
}

func open(no int, hw *uartx.PL011, tx, rx int) *uartx.Port {
	p, err := uartx.Open(no, hw)
	if err != nil {
		println("open:", err.Error())
		halt()
	}
	cfg := uartx.DefaultConfig(no)
	cfg.BaudRate = baud
	cfg.RxBufSize = 4096
	cfg.Dev.TxPin, cfg.Dev.RxPin = tx, rx
	cfg.Dev.CTSPin, cfg.Dev.RTSPin = -1, -1
	cfg.Dev.RxFIFOFullThresh = 16
	cfg.Dev.TxFIFOEmptyThresh = 8
	if err := p.Configure(cfg); err != nil {
		println("configure:", err.Error())
		halt()
	}
	p.SetRxEnabled(true)
	return p
}

func sendPattern(ctx context.Context, u *uartx.Port, gen func(int) byte, n int) {
	var buf [sendChunk]byte
	for i := 0; i < n; i += sendChunk {
		k := min(sendChunk, n-i)
		for j := 0; j < k; j++ {
			buf[j] = gen(i + j)
		}
		if _, err := u.WriteContext(ctx, buf[:k]); err != nil {
			return
		}
	}
}

// recvAndCheck reads n bytes and compares each against gen(i). On the first
// mismatch it prints the expected and received bytes around it.
func recvAndCheck(ctx context.Context, u *uartx.Port, gen func(int) byte, n int) string {
	var buf [recvChunk]byte
	received := 0
	for received < n {
		m, err := u.ReadBlocking(ctx, buf[:min(len(buf), n-received)])
		if err != nil {
			println("received", received, "of", n)
			return "timeout"
		}
		for i := 0; i < m; i++ {
			if buf[i] != gen(received+i) {
				println("first mismatch at offset", received+i)
				printContext(gen, received, buf[:m], i)
				return "integrity mismatch"
			}
		}
		received += m
	}
	return ""
}

func printContext(gen func(int) byte, base int, got []byte, pivot int) {
	lo := max(0, pivot-contextRadius)
	hi := min(len(got), pivot+contextRadius+1)
	print(" exp:")
	for i := lo; i < hi; i++ {
		print(" ", hex(gen(base+i)))
	}
	println()
	print(" act:")
	for i := lo; i < hi; i++ {
		if i == pivot {
			print(" [", hex(got[i]), "]")
			continue
		}
		print(" ", hex(got[i]))
	}
	println()
}

func hex(v byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[v>>4], digits[v&0xF]})
}

func blink(pin machine.Pin, times int, on time.Duration) {
	for i := 0; i < times; i++ {
		pin.High()
		time.Sleep(on)
		pin.Low()
		time.Sleep(on)
	}
}

func halt() {
	for {
		time.Sleep(time.Hour)
	}
}
