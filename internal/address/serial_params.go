// internal/address/serial_params.go
package address

import (
	"fmt"
	"strconv"
)

// Parity of a serial line.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// SerialParams captures serial line settings in the usual "9600, 8N1"
// notation. They configure how the handle is opened; the port path alone
// determines the handle identity.
type SerialParams struct {
	Baud     uint32
	DataBits uint8
	Parity   Parity
	StopBits uint8
}

// String renders the params as "<baud>::<bits><parity><stop>", the form
// used inside address strings.
func (p SerialParams) String() string {
	return fmt.Sprintf("%d::%d%c%d", p.Baud, p.DataBits, p.Parity, p.StopBits)
}

// ParseSerialParams parses the baud rate field and an "8N1"-style config
// field into SerialParams.
func ParseSerialParams(baud, config string) (SerialParams, error) {
	rate, err := strconv.ParseUint(baud, 10, 32)
	if err != nil {
		return SerialParams{}, fmt.Errorf("invalid baud rate %q", baud)
	}
	if len(config) != 3 {
		return SerialParams{}, fmt.Errorf("invalid serial config %q", config)
	}
	bits := config[0] - '0'
	if bits < 5 || bits > 8 {
		return SerialParams{}, fmt.Errorf("invalid data bits in %q", config)
	}
	var parity Parity
	switch config[1] {
	case 'N', 'n':
		parity = ParityNone
	case 'E', 'e':
		parity = ParityEven
	case 'O', 'o':
		parity = ParityOdd
	default:
		return SerialParams{}, fmt.Errorf("invalid parity in %q", config)
	}
	stop := config[2] - '0'
	if stop != 1 && stop != 2 {
		return SerialParams{}, fmt.Errorf("invalid stop bits in %q", config)
	}
	return SerialParams{
		Baud:     uint32(rate),
		DataBits: bits,
		Parity:   parity,
		StopBits: stop,
	}, nil
}
