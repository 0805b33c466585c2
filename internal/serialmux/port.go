package serialmux

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.Reader
	io.Closer
}

// PortOpener opens the serial device at path. It is a variable seam so tests
// can observe the mode a mux is opened with.
type PortOpener func(path string, mode *serial.Mode) (serial.Port, error)

// OpenPort is the PortOpener used by NewRealSerialMux.
var OpenPort PortOpener = serial.Open
