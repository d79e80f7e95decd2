// Package loopback implements the loopback command: two simulated UARTs
// wired to each other exchange test patterns in both directions at once.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jangala-dev/uartx-dispatch/internal/cli/arguments"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/feedback"
	"github.com/jangala-dev/uartx-dispatch/slip"
	"github.com/jangala-dev/uartx-dispatch/uartx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flags          arguments.Flags
	size           int
	frames         bool
	timeout        time.Duration
	statusInterval time.Duration
)

// NewCommand created a new `loopback` command
func NewCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "loopback",
		Short: "Runs a full-duplex integrity test between two simulated UARTs.",
		Long: "Opens UART 0 and UART 1 on simulated hardware, connects TX to RX and RTS to CTS both ways,\n" +
			"sends a different pattern in each direction and checks what arrives.",
		Example: "  " + os.Args[0] + " loopback --flow hw --size 65536",
		Args:    cobra.NoArgs,
		Run:     run,
	}
	flags.AddToCommand(command)
	command.Flags().IntVarP(&size, "size", "n", 16384, "Number of bytes to send in each direction")
	command.Flags().BoolVar(&frames, "slip", false, "Send the data as SLIP frames and check frame by frame")
	command.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	command.Flags().DurationVar(&statusInterval, "status-interval", 0, "Log port status at this interval, 0 disables")
	return command
}

func run(cmd *cobra.Command, args []string) {
	if flags.Flow == "" {
		flags.Flow = "hw"
	}
	cfg, err := flags.Config(0)
	if err != nil {
		feedback.Errorf("Invalid configuration: %v", err)
		os.Exit(int(feedback.ErrBadArgument))
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := Run(ctx, Options{Config: cfg, Size: size, SLIP: frames, StatusInterval: statusInterval})
	if err != nil {
		feedback.Errorf("Error during loopback: %v", err)
		os.Exit(int(feedback.ErrGeneric))
	}
	feedback.PrintResult(res)
	if !res.OK() {
		os.Exit(int(feedback.ErrIntegrity))
	}
}

// Options selects what a loopback run does.
type Options struct {
	Config         uartx.Config
	Size           int
	SLIP           bool
	StatusInterval time.Duration
	Logger         logrus.FieldLogger
}

// Direction is the outcome for the data one port sent to the other.
type Direction struct {
	From       int    `json:"from"`
	To         int    `json:"to"`
	Sent       int    `json:"sent"`
	Received   int    `json:"received"`
	Mismatches int    `json:"mismatches"`
	Error      string `json:"error,omitempty"`
}

func (d *Direction) ok() bool {
	return d.Error == "" && d.Mismatches == 0 && d.Received == d.Sent
}

// Result implements feedback.Result.
type Result struct {
	Flow       string        `json:"flow"`
	Baud       int           `json:"baud"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Directions []*Direction  `json:"directions"`
	Stats      []uartx.Stats `json:"stats"`
}

// OK reports whether both directions arrived intact.
func (r *Result) OK() bool {
	for _, d := range r.Directions {
		if !d.ok() {
			return false
		}
	}
	return true
}

func (r *Result) Data() interface{} { return r }

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loopback at %d baud, flow %s, took %s\n", r.Baud, r.Flow, r.Elapsed.Round(time.Millisecond))
	for _, d := range r.Directions {
		status := "OK"
		if !d.ok() {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "  uart%d -> uart%d: sent %d received %d mismatches %d %s", d.From, d.To, d.Sent, d.Received, d.Mismatches, status)
		if d.Error != "" {
			fmt.Fprintf(&b, " (%s)", d.Error)
		}
		b.WriteString("\n")
	}
	for i, s := range r.Stats {
		fmt.Fprintf(&b, "  uart%d: ints=%d rx=%d tx=%d ovf=%d thr=%d xoff=%d/%d xon=%d",
			i, s.Ints, s.RxBytes, s.TxBytes, s.RxOverflows, s.TxThrottles, s.XOFFSent, s.XOFFReceived, s.XONSent)
		if i < len(r.Stats)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Pattern returns n test bytes b[i] = i*mul + add. With avoidFlow set, bytes
// that would collide with XON and XOFF are replaced.
func Pattern(n int, mul, add byte, avoidFlow bool) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)*mul + add
		if avoidFlow && (p[i] == uartx.XON || p[i] == uartx.XOFF) {
			p[i] ^= 0x80
		}
	}
	return p
}

// Run opens two connected simulated ports with cfg, exchanges the patterns
// and closes them again.
func Run(ctx context.Context, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	hw := [2]*uartx.HostHW{
		uartx.NewHostHW(uartx.HostOptions{RealTime: true}),
		uartx.NewHostHW(uartx.HostOptions{RealTime: true}),
	}
	uartx.Connect(hw[0], hw[1])

	poller := uartx.NewPoller()
	pctx, stop := context.WithCancel(ctx)
	defer stop()
	go poller.Run(pctx)

	var ports [2]*uartx.Port
	for i := range ports {
		p, err := uartx.Open(i, hw[i], uartx.WithScheduler(poller), uartx.WithLogger(log))
		if err != nil {
			return nil, err
		}
		defer p.Close()
		if err := p.Configure(opts.Config); err != nil {
			return nil, err
		}
		p.SetRxEnabled(true)
		if opts.StatusInterval > 0 {
			go p.ReportStatus(pctx, opts.StatusInterval)
		}
		ports[i] = p
	}

	avoid := opts.Config.TxFlowControl == uartx.FlowSW
	data := [2][]byte{
		Pattern(opts.Size, 31, 0x55, avoid),
		Pattern(opts.Size, 17, 0xA6, avoid),
	}
	res := &Result{
		Flow: opts.Config.TxFlowControl.String(),
		Baud: opts.Config.BaudRate,
	}

	start := time.Now()
	done := make(chan *Direction, 2)
	for i := range ports {
		src, dst := ports[i], ports[1-i]
		go func(i int) {
			d := &Direction{From: i, To: 1 - i, Sent: len(data[i])}
			if opts.SLIP {
				transferFrames(ctx, src, dst, data[i], d)
			} else {
				transfer(ctx, src, dst, data[i], d)
			}
			done <- d
		}(i)
	}
	for range ports {
		d := <-done
		log.WithFields(logrus.Fields{"from": d.From, "received": d.Received}).Debug("Direction finished")
		res.Directions = append(res.Directions, d)
	}
	res.Elapsed = time.Since(start)
	if res.Directions[0].From != 0 {
		res.Directions[0], res.Directions[1] = res.Directions[1], res.Directions[0]
	}
	for _, p := range ports {
		res.Stats = append(res.Stats, p.Stats())
	}
	return res, nil
}

func transfer(ctx context.Context, src, dst *uartx.Port, data []byte, d *Direction) {
	werr := make(chan error, 1)
	go func() {
		if _, err := src.WriteContext(ctx, data); err != nil {
			werr <- err
			return
		}
		werr <- src.FlushContext(ctx)
	}()

	got := make([]byte, len(data))
	n, err := dst.ReadFull(ctx, got)
	d.Received = n
	d.Mismatches = countMismatches(data[:n], got[:n])
	if err != nil {
		d.Error = err.Error()
		return
	}
	if err := <-werr; err != nil {
		d.Error = err.Error()
	}
}

// frameSize is the payload carried by each SLIP frame.
const frameSize = 200

func transferFrames(ctx context.Context, src, dst *uartx.Port, data []byte, d *Direction) {
	werr := make(chan error, 1)
	go func() {
		w := slip.NewWriter(src.Stream(ctx))
		for off := 0; off < len(data); off += frameSize {
			if err := w.WriteFrame(data[off:min(off+frameSize, len(data))]); err != nil {
				werr <- err
				return
			}
		}
		werr <- src.FlushContext(ctx)
	}()

	r := slip.NewReaderSize(dst.Stream(ctx), frameSize)
	for d.Received < len(data) {
		f, err := r.ReadFrame()
		if err != nil {
			d.Error = errors.Wrapf(err, "frame at offset %d", d.Received).Error()
			return
		}
		want := data[d.Received:min(d.Received+len(f), len(data))]
		d.Mismatches += countMismatches(want, f[:len(want)])
		d.Received += len(want)
	}
	if err := <-werr; err != nil {
		d.Error = err.Error()
	}
}

func countMismatches(want, got []byte) int {
	if bytes.Equal(want, got) {
		return 0
	}
	n := 0
	for i := range want {
		if want[i] != got[i] {
			n++
		}
	}
	return n
}
