// Package config implements the config command, which prints the effective
// UART configuration after validation.
package config

import (
	"os"

	"github.com/arduino/go-paths-helper"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/arguments"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/feedback"
	"github.com/jangala-dev/uartx-dispatch/uartx"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flags     arguments.Flags
	port      int
	depth     int
	writeFile string
)

// NewCommand created a new `config` command
func NewCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "config",
		Short:   "Prints the effective, validated UART configuration.",
		Example: "  " + os.Args[0] + " config --config uart.yaml --port 1",
		Args:    cobra.NoArgs,
		Run:     run,
	}
	flags.AddToCommand(command)
	command.Flags().IntVarP(&port, "port", "p", 0, "UART number the defaults are taken for")
	command.Flags().IntVar(&depth, "fifo-depth", 128, "Hardware FIFO depth to validate thresholds against")
	command.Flags().StringVarP(&writeFile, "output", "o", "", "Also write the configuration to this file")
	return command
}

func run(cmd *cobra.Command, args []string) {
	res, err := Effective(&flags, port, depth)
	if err != nil {
		feedback.Errorf("Invalid configuration: %v", err)
		os.Exit(int(feedback.ErrBadArgument))
	}
	if out := paths.New(writeFile); out != nil {
		if err := out.Parent().MkdirAll(); err != nil {
			feedback.Errorf("Error creating %s: %v", out.Parent(), err)
			os.Exit(int(feedback.ErrGeneric))
		}
		if err := out.WriteFile([]byte(res.String())); err != nil {
			feedback.Errorf("Error writing %s: %v", out, err)
			os.Exit(int(feedback.ErrGeneric))
		}
	}
	feedback.PrintResult(res)
}

// Result implements feedback.Result.
type Result struct {
	Port   int          `json:"port"`
	Config uartx.Config `json:"config"`
	yaml   string
}

func (r *Result) Data() interface{} { return r }

func (r *Result) String() string { return r.yaml }

// Effective resolves and validates the configuration of UART no.
func Effective(f *arguments.Flags, no, fifoDepth int) (*Result, error) {
	cfg, err := f.Config(no)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(fifoDepth); err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding config")
	}
	return &Result{Port: no, Config: cfg, yaml: string(out)}, nil
}
