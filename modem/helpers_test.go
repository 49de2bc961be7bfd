package modem_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"i4.energy/across/smartgsm/modem"
)

// newTestModem returns a Ready modem backed by a scripted TestTransport.
func newTestModem(t *testing.T, configure ...func(*modem.ConfigBuilder)) (*modem.Modem, *modem.TestTransport) {
	t.Helper()

	transport := modem.NewTestTransport().ScriptInit()
	builder := modem.NewConfigBuilder().
		WithDialer(modem.TestDialer{Transport: transport}).
		WithATTimeout(time.Second)
	for _, c := range configure {
		c(builder)
	}
	config, err := builder.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, transport
}

// waitWritten waits until cmd is written to the transport.
func waitWritten(t *testing.T, transport *modem.TestTransport, cmd string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case w := <-transport.Written():
			if w == cmd {
				return
			}
		case <-timeout:
			t.Fatalf("%q was not written, writes: %q", cmd, transport.Writes())
		}
	}
}

// respondToSends answers every AT+CMGS exchange written to transport with
// a prompt and a confirmation, whatever the PDU.
func respondToSends(t *testing.T, transport *modem.TestTransport) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		ref := 0
		for {
			select {
			case <-done:
				return
			case w := <-transport.Written():
				switch {
				case strings.HasPrefix(w, "AT+CMGS="):
					transport.SendData("> ")
				case strings.HasSuffix(w, "\x1a"):
					ref++
					transport.SendData(fmt.Sprintf("+CMGS: %d\r\nOK\r\n", ref))
				}
			}
		}
	}()
}
