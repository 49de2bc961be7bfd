package modem

import (
	"context"
	"io"
	"strings"
	"sync"
)

// TestTransport is a test helper that simulates a modem over a blocking
// transport. The loop's scanner goroutine continuously reads from the
// transport, so reads block until data is available, like a real serial
// port. Replies are scripted per command and sent when the command is
// written.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	closed   bool
	readErr  error
	// pending is owned by the single reader
	pending []byte

	replies map[string][]string
	always  map[string]string
	writes  []string
	written chan string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 256),
		replies:  make(map[string][]string),
		always:   make(map[string]string),
		written:  make(chan string, 256),
	}
}

// Reply queues one-shot replies for cmd, consumed in order by successive
// writes of cmd. cmd is matched without the trailing carriage return; a
// payload written after the prompt is matched as written, Ctrl-Z included.
func (t *TestTransport) Reply(cmd string, replies ...string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies[cmd] = append(t.replies[cmd], replies...)
	return t
}

// ReplyAlways answers every write of cmd with reply once the one-shot
// replies are used up.
func (t *TestTransport) ReplyAlways(cmd, reply string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.always[cmd] = reply
	return t
}

// ScriptInit scripts the replies of a modem with a ready SIM to the
// default lifecycle commands.
func (t *TestTransport) ScriptInit() *TestTransport {
	return t.
		Reply("AT", "AT\r\nOK\r\n").
		Reply("ATE0", "ATE0\r\nOK\r\n").
		Reply("AT+CMEE=2", "OK\r\n").
		Reply("AT+CPIN?", "+CPIN: READY\r\n\r\nOK\r\n").
		Reply("AT+CNMI=2,1,0,2,1", "OK\r\n").
		Reply("AT+CLIP=1", "OK\r\n").
		Reply(`AT+CPMS="SM","SM","SM"`, "+CPMS: 0,30,0,30,0,30\r\n\r\nOK\r\n").
		Reply("AT+CMGF=0", "OK\r\n")
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}

	cmd := strings.TrimSuffix(string(p), "\r")
	t.writes = append(t.writes, cmd)

	var reply string
	if queued := t.replies[cmd]; len(queued) > 0 {
		reply = queued[0]
		t.replies[cmd] = queued[1:]
	} else {
		reply = t.always[cmd]
	}
	if reply != "" {
		t.readChan <- []byte(reply)
	}

	select {
	case t.written <- cmd:
	default:
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	if len(t.pending) == 0 {
		data, ok := <-t.readChan
		if !ok {
			return 0, io.EOF
		}
		if len(data) == 0 {
			t.mu.Lock()
			defer t.mu.Unlock()
			return 0, t.readErr
		}
		t.pending = data
	}
	n = copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// FailRead makes the next read return err, after any data already queued.
func (t *TestTransport) FailRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readErr = err
		t.readChan <- []byte{}
	}
}

// Writes returns every command written so far, in order.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// Written delivers each command as it is written.
func (t *TestTransport) Written() <-chan string {
	return t.written
}

// TestDialer hands out a fixed Transport.
type TestDialer struct {
	Transport Transport
}

func (d TestDialer) Dial(_ context.Context) (Transport, error) {
	return d.Transport, nil
}
