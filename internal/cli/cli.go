// Package cli builds the uartx command tree.
package cli

import (
	"io"
	"os"
	"strings"

	"github.com/jangala-dev/uartx-dispatch/internal/cli/bridge"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/config"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/feedback"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/loopback"
	"github.com/jangala-dev/uartx-dispatch/internal/cli/version"
	v "github.com/jangala-dev/uartx-dispatch/internal/version"
	"github.com/mattn/go-colorable"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	outputFormat string
	verbose      bool
	logFile      string
	logFormat    string
	logLevel     string
)

func NewCommand() *cobra.Command {
	// uartx is the root command
	uartxCli := &cobra.Command{
		Use:              "uartx",
		Short:            "Interrupt-driven UART driver tools.",
		Long:             "Diagnostics for the uartx driver core on simulated and host serial hardware.",
		Example:          "  " + os.Args[0] + " <command> [flags...]",
		Args:             cobra.NoArgs,
		PersistentPreRun: preRun,
	}

	uartxCli.AddCommand(loopback.NewCommand())
	uartxCli.AddCommand(bridge.NewCommand())
	uartxCli.AddCommand(config.NewCommand())
	uartxCli.AddCommand(version.NewCommand())

	uartxCli.PersistentFlags().StringVar(&outputFormat, "format", "text", "The output format, can be {text|json}.")

	uartxCli.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to the file where logs will be written")
	uartxCli.PersistentFlags().StringVar(&logFormat, "log-format", "", "The output format for the logs, can be {text|json}.")
	uartxCli.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Messages with this level and above will be logged. Valid levels are: trace, debug, info, warn, error, fatal, panic")
	uartxCli.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print the logs on the standard output.")

	return uartxCli
}

// Convert the string passed to the `--log-level` option to the corresponding
// logrus formal level.
func toLogLevel(s string) (t logrus.Level, found bool) {
	t, found = map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"fatal": logrus.FatalLevel,
		"panic": logrus.PanicLevel,
	}[s]

	return
}

func preRun(cmd *cobra.Command, args []string) {
	// normalize the format strings
	outputFormat = strings.ToLower(outputFormat)
	format, found := feedback.ParseOutputFormat(outputFormat)
	if !found {
		feedback.Errorf("Invalid output format: %s", outputFormat)
		os.Exit(int(feedback.ErrBadCall))
	}
	feedback.SetFormat(format)

	if verbose {
		// if we print on stdout, do it in full colors
		logrus.SetOutput(colorable.NewColorableStdout())
		logrus.SetFormatter(&logrus.TextFormatter{
			ForceColors: true,
		})
	} else {
		logrus.SetOutput(io.Discard)
	}

	logFormat = strings.ToLower(logFormat)
	if logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			feedback.Errorf("Unable to open file for logging: %s", logFile)
			os.Exit(int(feedback.ErrBadCall))
		}

		// Use a hook so we don't get color codes in the log file
		if logFormat == "json" {
			logrus.AddHook(lfshook.NewHook(file, &logrus.JSONFormatter{}))
		} else {
			logrus.AddHook(lfshook.NewHook(file, &logrus.TextFormatter{}))
		}
	}

	if lvl, found := toLogLevel(logLevel); !found {
		feedback.Errorf("Invalid option for --log-level: %s", logLevel)
		os.Exit(int(feedback.ErrBadArgument))
	} else {
		logrus.SetLevel(lvl)
	}

	logrus.Info(v.VersionInfo)
}
