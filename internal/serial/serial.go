// Package serial provides the byte-level serial transport the ISP
// protocol rides on: 8-N-1 framing at a configurable baud rate, DTR/RTS
// line control, a 2000 ms blocking read timeout, and the ability to
// close and reopen the same device at a new baud rate for
// ChangeBaudRate.
package serial

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.bug.st/serial"
)

// ReadTimeout is the blocking-read timeout mandated for the ISP
// transport; a read that exceeds it fails with ErrTimeout.
const ReadTimeout = 2000 * time.Millisecond

// ErrTimeout is returned when a blocking read exceeds ReadTimeout.
var ErrTimeout = errors.New("serial: read timeout")

// Port wraps a serial device with ISP-specific functionality. On Linux
// it talks to the device through raw termios ioctls for better USB CDC
// compatibility; elsewhere it uses go.bug.st/serial.
type Port struct {
	port     serial.Port
	raw      *RawPort
	portName string
	baudRate int
}

// Open opens portName at baudRate with 8-N-1 framing and the ISP read
// timeout.
func Open(portName string, baudRate int) (*Port, error) {
	if runtime.GOOS == "linux" {
		raw, err := OpenRaw(portName, baudRate)
		if err != nil {
			return nil, err
		}
		return &Port{raw: raw, portName: portName, baudRate: baudRate}, nil
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{port: port, portName: portName, baudRate: baudRate}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.raw != nil {
		return p.raw.Close()
	}
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// reopenSettleDelay is how long Reopen waits between closing the port
// and reopening it, giving the target time to settle onto its new
// baud rate.
const reopenSettleDelay = 50 * time.Millisecond

// Reopen closes the port, waits for the target to settle onto its new
// baud rate, and reopens the same device at baudRate. Used by the
// ChangeBaudRate phase after the target has switched its own UART
// speed.
func (p *Port) Reopen(baudRate int) error {
	if err := p.Close(); err != nil {
		return err
	}
	time.Sleep(reopenSettleDelay)

	reopened, err := Open(p.portName, baudRate)
	if err != nil {
		return err
	}

	*p = *reopened
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	if p.raw != nil {
		return p.raw.Write(data)
	}
	return p.port.Write(data)
}

// ReadByte blocks for a single byte, failing with ErrTimeout if none
// arrives within ReadTimeout.
func (p *Port) ReadByte() (byte, error) {
	buf := make([]byte, 1)
	n, err := p.readWithTimeout(buf, ReadTimeout)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

func (p *Port) readWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if p.raw != nil {
		return p.raw.ReadWithTimeout(buf, timeout)
	}
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(ReadTimeout)
	return p.port.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	if p.raw != nil {
		return p.raw.Flush()
	}
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	if p.raw != nil {
		return p.raw.SetDTR(value)
	}
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	if p.raw != nil {
		return p.raw.SetRTS(value)
	}
	return p.port.SetRTS(value)
}

// PortName returns the device path the port was opened with.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the baud rate the port is currently configured at.
func (p *Port) BaudRate() int {
	return p.baudRate
}
