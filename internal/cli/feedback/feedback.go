// Package feedback prints command results as text or JSON.
package feedback

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ExitCode to be used for Fatal.
type ExitCode int

const (
	// Success (0 is the no-error return code in Unix)
	Success ExitCode = iota

	// ErrGeneric Generic error (1 is the reserved "catchall" code in Unix)
	ErrGeneric

	_ // (2 Is reserved in Unix)

	// ErrNoConfigFile is returned when the config file is not found (3)
	ErrNoConfigFile

	// ErrBadCall is returned when the command line is inconsistent (4)
	ErrBadCall

	// ErrIntegrity is returned when a transfer check fails (5)
	ErrIntegrity

	_ // (6 Is unused)

	// ErrBadArgument is returned when the arguments are not valid (7)
	ErrBadArgument
)

// OutputFormat is an output format
type OutputFormat int

const (
	// Text is the plain text format, suitable for interactive terminals
	Text OutputFormat = iota
	// JSON format
	JSON
)

var formats = map[string]OutputFormat{
	"json": JSON,
	"text": Text,
}

func (f OutputFormat) String() string {
	for res, format := range formats {
		if format == f {
			return res
		}
	}
	panic("unknown output format")
}

// ParseOutputFormat parses a string and returns the corresponding OutputFormat.
// The boolean returned is true if the string was a valid OutputFormat.
func ParseOutputFormat(in string) (OutputFormat, bool) {
	format, found := formats[in]
	return format, found
}

var (
	format OutputFormat = Text
	stdout io.Writer    = os.Stdout
	stderr io.Writer    = os.Stderr
)

// Result is anything more complex than a sentence that needs to be printed
// for the user.
type Result interface {
	fmt.Stringer
	Data() interface{}
}

// SetFormat can be used to change the output format at runtime
func SetFormat(f OutputFormat) {
	format = f
}

// GetFormat returns the output format currently set
func GetFormat() OutputFormat {
	return format
}

// SetOut redirects output, mainly for tests.
func SetOut(out, errOut io.Writer) {
	stdout, stderr = out, errOut
}

// Errorf prints a message on stderr in text mode and as a JSON error otherwise.
func Errorf(f string, args ...interface{}) {
	msg := fmt.Sprintf(f, args...)
	if format == Text {
		fmt.Fprintln(stderr, msg)
		return
	}
	d, _ := json.MarshalIndent(struct {
		Error string `json:"error"`
	}{msg}, "", "  ")
	fmt.Fprintln(stdout, string(d))
}

// Fatal outputs the errorMsg and exits with status exitCode.
func Fatal(errorMsg string, exitCode ExitCode) {
	Errorf("%s", errorMsg)
	os.Exit(int(exitCode))
}

// FatalError outputs the error and exits with status exitCode.
func FatalError(err error, exitCode ExitCode) {
	Fatal(err.Error(), exitCode)
}

// PrintResult prints res in the selected format.
func PrintResult(res Result) {
	var data string
	switch format {
	case JSON:
		d, err := json.MarshalIndent(res.Data(), "", "  ")
		if err != nil {
			Fatal(fmt.Sprintf("Error during JSON encoding of the output: %v", err), ErrGeneric)
		}
		data = string(d)
	case Text:
		data = res.String()
	default:
		panic("unknown output format")
	}
	if data != "" {
		fmt.Fprintln(stdout, data)
	}
}
