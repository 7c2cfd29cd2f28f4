package serialmux

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/autoflux/internal/timeutil"
)

// PortOptions are the UART parameters for the actuation link. USB SLCAN
// adapters ignore the line settings, but plain UART bridges do not.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
	// ReadTimeout bounds a single port read so Monitor notices cancellation.
	// Zero uses DefaultReadTimeout.
	ReadTimeout timeutil.Duration `json:"read_timeout,omitempty"`
}

const (
	// DefaultBaudRate is used when no baud rate is configured.
	DefaultBaudRate    = 115200
	DefaultReadTimeout = timeutil.Duration(100 * time.Millisecond)
)

var parities = map[string]serial.Parity{
	"N": serial.NoParity, "NONE": serial.NoParity,
	"E": serial.EvenParity, "EVEN": serial.EvenParity,
	"O": serial.OddParity, "ODD": serial.OddParity,
}

// Normalize validates the options and fills in defaults. Parity is reduced to
// its single-letter form.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	o.Parity = strings.ToUpper(strings.TrimSpace(o.Parity))
	if o.Parity == "" {
		o.Parity = "N"
	}

	switch {
	case o.DataBits < 5 || o.DataBits > 8:
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	case o.StopBits != 1 && o.StopBits != 2:
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	case o.ReadTimeout < 0:
		return o, fmt.Errorf("read_timeout must be non-negative, got %s", o.ReadTimeout)
	}
	if _, ok := parities[o.Parity]; !ok {
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = o.Parity[:1]
	return o, nil
}

// SerialMode converts the options into the mode go.bug.st/serial opens with.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.StopBits(opts.StopBits),
		Parity:   parities[opts.Parity],
	}, nil
}
