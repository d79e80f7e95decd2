// Package bridge implements the bridge command: a simulated UART attached to
// a host serial device, running an echo server on the port.
package bridge

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/jangala-dev/uartx-dispatch/internal/cli/arguments"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/feedback"
	"github.com/jangala-dev/uartx-dispatch/internal/serialwire"
	"github.com/jangala-dev/uartx-dispatch/uartx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flags          arguments.Flags
	device         string
	statusInterval time.Duration
)

// NewCommand created a new `bridge` command
func NewCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "bridge",
		Short:   "Echoes everything received on a host serial device through a simulated UART.",
		Example: "  " + os.Args[0] + " bridge --device /dev/ttyUSB0 --baud 921600",
		Args:    cobra.NoArgs,
		Run:     run,
	}
	flags.AddToCommand(command)
	command.Flags().StringVarP(&device, "device", "d", "", "Host serial device, e.g.: COM10, /dev/ttyUSB0")
	command.Flags().DurationVar(&statusInterval, "status-interval", 10*time.Second, "Log port status at this interval, 0 disables")
	command.MarkFlagRequired("device")
	return command
}

func run(cmd *cobra.Command, args []string) {
	cfg, err := flags.Config(0)
	if err != nil {
		feedback.Errorf("Invalid configuration: %v", err)
		os.Exit(int(feedback.ErrBadArgument))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev, err := serialwire.Open(device, cfg)
	if err != nil {
		feedback.Errorf("Error opening %s: %v", device, err)
		os.Exit(int(feedback.ErrGeneric))
	}
	if err := Serve(ctx, dev, cfg, statusInterval); err != nil && errors.Cause(err) != context.Canceled {
		feedback.Errorf("Error during bridge: %v", err)
		os.Exit(int(feedback.ErrGeneric))
	}
}

// Serve runs an echo server on UART 0 bridged to dev until ctx is done.
func Serve(ctx context.Context, dev serialwire.Device, cfg uartx.Config, statusInterval time.Duration) error {
	hw := uartx.NewHostHW(uartx.HostOptions{RealTime: true})
	port, err := uartx.Open(0, hw)
	if err != nil {
		dev.Close()
		return err
	}
	defer port.Close()
	if err := port.Configure(cfg); err != nil {
		dev.Close()
		return err
	}
	port.SetRxEnabled(true)
	if statusInterval > 0 {
		go port.ReportStatus(ctx, statusInterval)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- serialwire.NewBridge(hw, dev, nil).Run(ctx)
		cancel()
	}()

	logrus.WithField("uart", port.No()).Info("Echo server running")
	buf := make([]byte, 256)
	for {
		n, err := port.ReadBlocking(ctx, buf)
		if err != nil {
			break
		}
		if _, err := port.WriteContext(ctx, buf[:n]); err != nil {
			break
		}
	}
	return <-errc
}
