package serialdac

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the adapter uses.
type Port interface {
	io.ReadWriter
	io.Closer
	// SetReadTimeout bounds Read. A read that times out returns 0, nil.
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens the serial device at path.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real port with go.bug.st/serial.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type inputResetter interface {
	ResetInputBuffer() error
}
