package modem

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=modem

// Transport represents an established, bidirectional byte stream to a GSM modem.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports, TCP connections to emulators,
// or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a GSM modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be used
// during modem construction only. Once a Transport is obtained, the Dialer is
// no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// DefaultBaudRate is the line speed used when neither BaudRate nor Mode is set.
const DefaultBaudRate = 19200

var (
	errNoPortName = errors.New("gsm: serial port name is required")
	errNilContext = errors.New("gsm: context is nil")
)

// SerialDialer opens a GSM modem over a serial port using go.bug.st/serial.
//
// The line is configured 8N1 without flow control. Mode, when set, replaces
// that configuration entirely.
type SerialDialer struct {
	PortName string
	BaudRate int
	Mode     *serial.Mode
}

// Dial opens the serial port. Opening happens in the background so that a
// cancelled context returns promptly; a port opened after cancellation is
// closed again.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errNilContext
	}
	if d.PortName == "" {
		return nil, errNoPortName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.mode()

	type result struct {
		port serial.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := serial.Open(d.PortName, mode)
		done <- result{port: port, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTransportOpen, d.PortName, r.err)
		}
		return r.port, nil
	}
}

func (d SerialDialer) mode() *serial.Mode {
	if d.Mode != nil {
		return d.Mode
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates the serial ports available on the host. USB details
// are filled in when the platform enumerator provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, p := range details {
			ports = append(ports, PortInfo{
				Name:         p.Name,
				IsUSB:        p.IsUSB,
				VID:          p.VID,
				PID:          p.PID,
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
			})
		}
		return ports, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, PortInfo{Name: name})
	}
	return ports, nil
}
