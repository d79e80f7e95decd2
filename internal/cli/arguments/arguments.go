// Package arguments holds flags shared by several commands.
package arguments

import (
	"bytes"

	"github.com/arduino/go-paths-helper"
	"github.com/jangala-dev/uartx-dispatch/uartx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Flags contains the line settings common to the commands that open a port.
// Values set on the command line override the config file.
type Flags struct {
	ConfigFile string
	Baud       int
	Flow       string
}

// AddToCommand adds the config, baud and flow flags to cmd.
func (f *Flags) AddToCommand(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "YAML file with the UART configuration")
	cmd.Flags().IntVarP(&f.Baud, "baud", "b", 0, "Baud rate, overrides the config file")
	cmd.Flags().StringVar(&f.Flow, "flow", "", "Flow control in both directions, can be {none|hw|sw}")
}

// Config returns the effective configuration of port no: defaults, then the
// config file, then the command line flags. It is not validated.
func (f *Flags) Config(no int) (uartx.Config, error) {
	cfg := uartx.DefaultConfig(no)
	if file := paths.New(f.ConfigFile); file != nil {
		data, err := file.ReadFile()
		if err != nil {
			return cfg, errors.Wrap(err, "reading config file")
		}
		cfg, err = uartx.LoadConfig(bytes.NewReader(data), no)
		if err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", file)
		}
		logrus.Debugf("loaded config from %s", file)
	}
	if f.Baud != 0 {
		cfg.BaudRate = f.Baud
	}
	if f.Flow != "" {
		var flow uartx.FlowControl
		if err := flow.UnmarshalText([]byte(f.Flow)); err != nil {
			return cfg, errors.Wrap(err, "--flow")
		}
		cfg.RxFlowControl = flow
		cfg.TxFlowControl = flow
	}
	return cfg, nil
}
