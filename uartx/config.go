package uartx

import (
	"io"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// UARTParity defines the parity setting used for UART communication.
type UARTParity uint8

const (
	// ParityNone disables parity generation and checking (the most common setting).
	ParityNone UARTParity = iota
	// ParityEven sets even parity (total number of 1 bits is even).
	ParityEven
	// ParityOdd sets odd parity (total number of 1 bits is odd).
	ParityOdd
)

func (p UARTParity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	}
	return "parity(" + strconv.Itoa(int(p)) + ")"
}

func (p UARTParity) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *UARTParity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*p = ParityNone
	case "even":
		*p = ParityEven
	case "odd":
		*p = ParityOdd
	default:
		return errors.Wrapf(ErrInvalidConfig, "parity %q", b)
	}
	return nil
}

// StopBits is the number of stop bits per character.
type StopBits uint8

const (
	StopBits1 StopBits = iota + 1
	StopBits2
	StopBits1_5
)

func (s StopBits) String() string {
	switch s {
	case StopBits1:
		return "1"
	case StopBits1_5:
		return "1.5"
	case StopBits2:
		return "2"
	}
	return "stopbits(" + strconv.Itoa(int(s)) + ")"
}

func (s StopBits) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StopBits) UnmarshalText(b []byte) error {
	switch string(b) {
	case "1", "":
		*s = StopBits1
	case "1.5":
		*s = StopBits1_5
	case "2":
		*s = StopBits2
	default:
		return errors.Wrapf(ErrInvalidConfig, "stop bits %q", b)
	}
	return nil
}

// FlowControl selects how a direction of the link is throttled.
type FlowControl uint8

const (
	// FlowNone disables flow control.
	FlowNone FlowControl = iota
	// FlowHW uses the RTS (receive) and CTS (transmit) lines.
	FlowHW
	// FlowSW uses in-band XON/XOFF characters.
	FlowSW
)

func (f FlowControl) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowHW:
		return "hw"
	case FlowSW:
		return "sw"
	}
	return "flow(" + strconv.Itoa(int(f)) + ")"
}

func (f FlowControl) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *FlowControl) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*f = FlowNone
	case "hw", "hardware":
		*f = FlowHW
	case "sw", "software":
		*f = FlowSW
	default:
		return errors.Wrapf(ErrInvalidConfig, "flow control %q", b)
	}
	return nil
}

// XON and XOFF are the software flow control characters.
const (
	XON  byte = 0x11
	XOFF byte = 0x13
)

// Limits enforced by Validate.
const (
	MaxBaudRate       = 10000000
	MaxRxLingerMicros = 200
)

// DeviceConfig holds FIFO thresholds and pin assignments. Pins are -1 when
// not connected.
type DeviceConfig struct {
	// RX FIFO level that raises the RX interrupt.
	RxFIFOFullThresh int `yaml:"rx_fifo_full_thresh" json:"rx_fifo_full_thresh"`
	// RX level at which the sender is throttled. With software flow control
	// this is the RX buffer occupancy that triggers XOFF.
	RxFIFOFCThresh int `yaml:"rx_fifo_fc_thresh" json:"rx_fifo_fc_thresh"`
	// Idle time, in character times, before an RX timeout interrupt. -1 disables.
	RxFIFOAlarm int `yaml:"rx_fifo_alarm" json:"rx_fifo_alarm"`
	// TX FIFO level at or below which the TX interrupt is raised.
	TxFIFOEmptyThresh int `yaml:"tx_fifo_empty_thresh" json:"tx_fifo_empty_thresh"`

	RxPin  int `yaml:"rx_pin" json:"rx_pin"`
	TxPin  int `yaml:"tx_pin" json:"tx_pin"`
	CTSPin int `yaml:"cts_pin" json:"cts_pin"`
	RTSPin int `yaml:"rts_pin" json:"rts_pin"`

	RxInverted bool `yaml:"rx_inverted,omitempty" json:"rx_inverted,omitempty"`
	TxInverted bool `yaml:"tx_inverted,omitempty" json:"tx_inverted,omitempty"`
}

// Config is the per-port configuration.
type Config struct {
	BaudRate int        `yaml:"baud_rate" json:"baud_rate"`
	DataBits int        `yaml:"num_data_bits" json:"num_data_bits"`
	Parity   UARTParity `yaml:"parity" json:"parity"`
	StopBits StopBits   `yaml:"stop_bits" json:"stop_bits"`

	RxBufSize      int         `yaml:"rx_buf_size" json:"rx_buf_size"`
	RxFlowControl  FlowControl `yaml:"rx_flow_control" json:"rx_flow_control"`
	RxLingerMicros int         `yaml:"rx_linger_micros" json:"rx_linger_micros"`

	TxBufSize     int         `yaml:"tx_buf_size" json:"tx_buf_size"`
	TxFlowControl FlowControl `yaml:"tx_flow_control" json:"tx_flow_control"`

	Dev DeviceConfig `yaml:"dev" json:"dev"`
}

// DefaultConfig returns 115200 8N1 with 256 byte buffers, no flow control and
// 15 µs RX linger.
func DefaultConfig(no int) Config {
	cfg := Config{
		BaudRate:       115200,
		DataBits:       8,
		Parity:         ParityNone,
		StopBits:       StopBits1,
		RxBufSize:      256,
		RxLingerMicros: 15,
		TxBufSize:      256,
		Dev: DeviceConfig{
			RxFIFOFullThresh:  40,
			RxFIFOFCThresh:    100,
			RxFIFOAlarm:       10,
			TxFIFOEmptyThresh: 10,
		},
	}
	cfg.Dev.setDefaultPins(no)
	return cfg
}

func (d *DeviceConfig) setDefaultPins(no int) {
	switch no {
	case 0:
		d.RxPin, d.TxPin, d.CTSPin, d.RTSPin = 3, 1, 19, 22
	case 1:
		d.RxPin, d.TxPin, d.CTSPin, d.RTSPin = 25, 26, 27, 13
	case 2:
		d.RxPin, d.TxPin, d.CTSPin, d.RTSPin = 16, 17, 14, 15
	default:
		d.RxPin, d.TxPin, d.CTSPin, d.RTSPin = -1, -1, -1, -1
	}
}

// LoadConfig decodes YAML from r over DefaultConfig(no). An empty document
// yields the defaults.
func LoadConfig(r io.Reader, no int) (Config, error) {
	cfg := DefaultConfig(no)
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "decoding UART config")
	}
	return cfg, nil
}

// Validate checks every field against the limits of a device whose FIFOs hold
// fifoDepth bytes. All failures wrap ErrInvalidConfig.
func (c *Config) Validate(fifoDepth int) error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}
	switch {
	case c.BaudRate < 1 || c.BaudRate > MaxBaudRate:
		return invalid("baud rate %d", c.BaudRate)
	case c.DataBits < 5 || c.DataBits > 8:
		return invalid("data bits %d", c.DataBits)
	case c.Parity > ParityOdd:
		return invalid("parity %d", c.Parity)
	case c.StopBits < StopBits1 || c.StopBits > StopBits1_5:
		return invalid("stop bits %d", c.StopBits)
	case c.RxFlowControl > FlowSW || c.TxFlowControl > FlowSW:
		return invalid("flow control rx=%d tx=%d", c.RxFlowControl, c.TxFlowControl)
	case c.RxBufSize < 1 || c.RxBufSize > MaxBufSize:
		return invalid("rx buffer size %d", c.RxBufSize)
	case c.TxBufSize < 1 || c.TxBufSize > MaxBufSize:
		return invalid("tx buffer size %d", c.TxBufSize)
	case c.RxLingerMicros < 0 || c.RxLingerMicros > MaxRxLingerMicros:
		return invalid("rx linger %d us", c.RxLingerMicros)
	case c.Dev.RxFIFOFullThresh < 1 || c.Dev.RxFIFOFullThresh >= fifoDepth:
		return invalid("rx fifo full threshold %d", c.Dev.RxFIFOFullThresh)
	case c.RxFlowControl != FlowNone && c.Dev.RxFIFOFCThresh < c.Dev.RxFIFOFullThresh:
		return invalid("rx flow control threshold %d below full threshold %d",
			c.Dev.RxFIFOFCThresh, c.Dev.RxFIFOFullThresh)
	case c.Dev.RxFIFOAlarm < -1:
		return invalid("rx fifo alarm %d", c.Dev.RxFIFOAlarm)
	case c.Dev.TxFIFOEmptyThresh < 0 || c.Dev.TxFIFOEmptyThresh >= fifoDepth:
		return invalid("tx fifo empty threshold %d", c.Dev.TxFIFOEmptyThresh)
	case c.RxFlowControl == FlowHW && c.Dev.RTSPin < 0:
		return invalid("hardware rx flow control without RTS pin")
	case c.TxFlowControl == FlowHW && c.Dev.CTSPin < 0:
		return invalid("hardware tx flow control without CTS pin")
	}
	return nil
}

// xoffLevel is the RX buffer occupancy at which XOFF is sent.
func (c *Config) xoffLevel() int {
	lvl := c.Dev.RxFIFOFCThresh
	if lvl <= 0 || lvl > c.RxBufSize {
		lvl = c.RxBufSize
	}
	return lvl
}

// xonLevel is the occupancy below which a sent XOFF is retracted with XON.
func (c *Config) xonLevel() int {
	return max(1, min(c.Dev.RxFIFOFullThresh, c.xoffLevel()-1))
}
