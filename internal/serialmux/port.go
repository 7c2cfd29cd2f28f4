package serialmux

import (
	"bufio"
	"bytes"
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// ScanCRLF splits on '\r' or '\n' and drops empty tokens. A BEL byte (0x07),
// which SLCAN adapters send to reject a command, is returned as a token of
// its own.
func ScanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	for i := start; i < len(data); i++ {
		switch data[i] {
		case '\r', '\n':
			return i + 1, data[start:i], nil
		case '\a':
			if i == start {
				return i + 1, data[i : i+1], nil
			}
			return i, data[start:i], nil
		}
	}
	if atEOF && start < len(data) {
		return len(data), bytes.TrimSpace(data[start:]), nil
	}
	return start, nil, nil
}

var _ bufio.SplitFunc = ScanCRLF
