package uartx

import "github.com/pkg/errors"

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid UART config")
	// ErrNoSuchPort is returned for port numbers outside [0, MaxPorts).
	ErrNoSuchPort = errors.New("no such UART")
	// ErrPortBusy is returned by Open when the port number is already registered.
	ErrPortBusy = errors.New("UART already open")
	// ErrNotConfigured is returned by I/O on a port that was never configured.
	ErrNotConfigured = errors.New("UART not configured")
	// ErrClosed is returned by operations on a port after Close.
	ErrClosed = errors.New("UART closed")
	// ErrBufferEmpty is returned by ReadByte when no data is buffered.
	ErrBufferEmpty = errors.New("UART buffer empty")
	// ErrContractViolation reports a ring buffer precondition violation.
	ErrContractViolation = errors.New("ring buffer contract violation")
)
