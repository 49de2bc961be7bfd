package modem

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.bug.st/serial"
	"go.uber.org/mock/gomock"
)

func TestSerialDialer_Mode(t *testing.T) {
	tests := []struct {
		name     string
		dialer   SerialDialer
		expected serial.Mode
	}{
		{
			name:     "Fixed 19200 8N1 by default",
			dialer:   SerialDialer{PortName: "/dev/ttyUSB0"},
			expected: serial.Mode{BaudRate: 19200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
		{
			name:     "Baud rate override keeps 8N1",
			dialer:   SerialDialer{PortName: "/dev/ttyUSB0", BaudRate: 115200},
			expected: serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
		{
			name: "Explicit mode used as is",
			dialer: SerialDialer{PortName: "/dev/ttyUSB0", BaudRate: 9600, Mode: &serial.Mode{
				BaudRate: 57600, DataBits: 7, Parity: serial.EvenParity, StopBits: serial.OneStopBit,
			}},
			expected: serial.Mode{BaudRate: 57600, DataBits: 7, Parity: serial.EvenParity, StopBits: serial.OneStopBit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := *tt.dialer.mode(); got != tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, got)
			}
		})
	}

	if DefaultBaudRate != 19200 {
		t.Errorf("expected default baud rate 19200, got %d", DefaultBaudRate)
	}
}

func TestSerialDialer_Dial(t *testing.T) {
	t.Run("Rejected before opening", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		tests := []struct {
			name   string
			dialer SerialDialer
			ctx    context.Context
			want   error
		}{
			{name: "empty port name", dialer: SerialDialer{}, ctx: context.Background(), want: errNoPortName},
			{name: "nil context", dialer: SerialDialer{PortName: "/dev/ttyUSB0"}, ctx: nil, want: errNilContext},
			{name: "cancelled context", dialer: SerialDialer{PortName: "/dev/ttyUSB0"}, ctx: cancelled, want: context.Canceled},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				transport, err := tt.dialer.Dial(tt.ctx)
				if !errors.Is(err, tt.want) {
					t.Errorf("expected %v, got: %v", tt.want, err)
				}
				if transport != nil {
					t.Error("expected nil transport")
				}
			})
		}
	})

	t.Run("Open failure wrapped in ErrTransportOpen", func(t *testing.T) {
		transport, err := SerialDialer{PortName: "/dev/nonexistent-modem"}.Dial(context.Background())

		if !errors.Is(err, ErrTransportOpen) {
			t.Errorf("expected ErrTransportOpen, got: %v", err)
		}
		if err != nil && !strings.Contains(err.Error(), "/dev/nonexistent-modem") {
			t.Errorf("expected error to mention the port, got: %v", err)
		}
		if transport != nil {
			t.Error("expected nil transport")
		}
	})
}

func TestOpenStage(t *testing.T) {
	t.Run("Dialer error wrapped once", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("permission denied"))

		m := newModem(context.Background(), testConfig(t, dialer, nil))
		err := m.open(context.Background())

		if !errors.Is(err, ErrTransportOpen) {
			t.Errorf("expected ErrTransportOpen, got: %v", err)
		}
		if strings.Count(err.Error(), ErrTransportOpen.Error()) != 1 {
			t.Errorf("expected a single ErrTransportOpen prefix, got: %v", err)
		}
	})

	t.Run("Already wrapped error kept", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := NewMockDialer(ctrl)
		_, wrapped := SerialDialer{PortName: "/dev/nonexistent-modem"}.Dial(context.Background())
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, wrapped)

		m := newModem(context.Background(), testConfig(t, dialer, nil))
		if err := m.open(context.Background()); err != wrapped {
			t.Errorf("expected the dialer error unchanged, got: %v", err)
		}
	})

	t.Run("Loop started on the dialed transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := NewMockDialer(ctrl)
		transport := NewTestTransport()
		dialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

		m := newModem(context.Background(), testConfig(t, dialer, nil))
		defer m.shutdown()

		if err := m.open(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.transport != transport || !m.loopStarted {
			t.Error("expected the loop to run on the dialed transport")
		}
	})
}
