package modem_test

import (
	"io"
	"sync"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/smartgsm/modem"
)

// MockSequenceBuilder scripts a MockTransport. Writes are expected in
// order; each one queues its reply for the reader, which the loop drains
// from its own goroutine, so reads are not ordered against writes.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan []byte
	once      sync.Once
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	b := &MockSequenceBuilder{
		transport: transport,
		replies:   make(chan []byte, 32),
		calls:     []any{},
	}
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		data, ok := <-b.replies
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	}).AnyTimes()
	return b
}

func (b *MockSequenceBuilder) expect(cmd, reply string) *MockSequenceBuilder {
	wire := []byte(cmd + "\r")
	b.calls = append(b.calls,
		b.transport.EXPECT().Write(wire).DoAndReturn(func(p []byte) (int, error) {
			b.replies <- []byte(reply)
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.expect("AT", "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.expect("ATE0", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.expect("AT+CMEE=2", "OK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.expect("AT+CPIN?", "+CPIN: SIM PIN\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.expect("AT+CPIN?", "+CPIN: READY\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EnterPIN(pin string) *MockSequenceBuilder {
	return b.expect(`AT+CPIN="`+pin+`"`, "OK\r\n")
}

func (b *MockSequenceBuilder) NotifyConfig() *MockSequenceBuilder {
	return b.expect("AT+CNMI=2,1,0,2,1", "OK\r\n")
}

func (b *MockSequenceBuilder) CallerID() *MockSequenceBuilder {
	return b.expect("AT+CLIP=1", "OK\r\n")
}

func (b *MockSequenceBuilder) SimStorage() *MockSequenceBuilder {
	return b.expect(`AT+CPMS="SM","SM","SM"`, "+CPMS: 0,30,0,30,0,30\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimStorageError() *MockSequenceBuilder {
	return b.expect(`AT+CPMS="SM","SM","SM"`, "+CMS ERROR: 302\r\n")
}

func (b *MockSequenceBuilder) PDUMode() *MockSequenceBuilder {
	return b.expect("AT+CMGF=0", "OK\r\n")
}

// Init scripts the full default lifecycle of a modem with a ready SIM.
func (b *MockSequenceBuilder) Init() *MockSequenceBuilder {
	return b.AT().
		EchoOff().
		VerboseErrors().
		SimReady().
		NotifyConfig().
		CallerID().
		SimStorage().
		PDUMode()
}

// Close expects the transport to be closed, ending the reader.
func (b *MockSequenceBuilder) Close(err error) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Close().DoAndReturn(func() error {
			b.once.Do(func() { close(b.replies) })
			return err
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls scripts a successful lifecycle followed by Close.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).Init().Close(nil).Build()
}
