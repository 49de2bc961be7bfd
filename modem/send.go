package modem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"i4.energy/across/smartgsm/at"
)

// completionSignals is the number of signals after which a send counts as
// done: the input prompt, the +CMGS message reference and the final OK.
const completionSignals = 3

// SendOperation tracks one outgoing message. It completes on the third
// signal, or earlier with an error.
type SendOperation struct {
	mu      sync.Mutex
	signals int
	done    chan struct{}
	closed  bool
	err     error
}

func newSendOperation() *SendOperation {
	return &SendOperation{done: make(chan struct{})}
}

// Signal records one completion signal. Signals after completion are
// ignored.
func (op *SendOperation) Signal() {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.closed {
		return
	}
	op.signals++
	if op.signals >= completionSignals {
		op.complete(nil)
	}
}

func (op *SendOperation) fail(err error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.closed {
		return
	}
	op.complete(err)
}

// complete must be called with mu held.
func (op *SendOperation) complete(err error) {
	op.err = err
	op.closed = true
	close(op.done)
}

// Signals returns how many completion signals have been recorded.
func (op *SendOperation) Signals() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.signals
}

// Done is closed once the operation completes.
func (op *SendOperation) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the operation completes or ctx expires.
func (op *SendOperation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		op.mu.Lock()
		defer op.mu.Unlock()
		return op.err
	case <-ctx.Done():
		return fmt.Errorf("%w: send incomplete after %d of %d signals: %w",
			ErrTimeout, op.Signals(), completionSignals, ctx.Err())
	}
}

// SendSMS sends body to recipient in PDU mode and waits for the modem to
// confirm it. Long bodies are sent as concatenated segments. With flash set
// the message is delivered as class 0.
//
// Consecutive sends are spaced by Config.MinSendInterval and the whole send
// is bounded by Config.SendTimeout.
func (m *Modem) SendSMS(ctx context.Context, recipient, body string, flash bool) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.requirePDU(); err != nil {
		return err
	}
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("send SMS: recipient is required")
	}

	segments, err := encodeSubmit(recipient, body, flash, m.config.Concatenation)
	if err != nil {
		return fmt.Errorf("send SMS to %s: %w", recipient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
	defer cancel()

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if err := m.pace(ctx); err != nil {
		return err
	}
	defer func() { m.lastSend = time.Now() }()

	op := newSendOperation()
	if err := m.transmit(ctx, op, segments); err != nil {
		op.fail(err)
	}
	if err := op.Wait(ctx); err != nil {
		m.logger.Error("SMS send failed", "recipient", recipient, "segments", len(segments), "error", err)
		return fmt.Errorf("send SMS to %s: %w", recipient, err)
	}

	m.logger.Info("SMS sent", "recipient", recipient, "segments", len(segments), "flash", flash)
	return nil
}

// pace waits until MinSendInterval has passed since the previous send.
func (m *Modem) pace(ctx context.Context) error {
	if m.config.MinSendInterval <= 0 || m.lastSend.IsZero() {
		return nil
	}
	wait := m.config.MinSendInterval - time.Since(m.lastSend)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for send interval: %w", ErrTimeout, ctx.Err())
	}
}

// transmit runs one AT+CMGS exchange per segment and feeds op its signals:
// the first prompt, then the reference and the final OK of the last segment.
func (m *Modem) transmit(ctx context.Context, op *SendOperation, segments []segment) error {
	for i, seg := range segments {
		first, last := i == 0, i == len(segments)-1
		onData := func(line string) {
			switch {
			case first && line == at.Prompt:
				op.Signal()
			case last && strings.HasPrefix(line, at.RespSendRef):
				op.Signal()
			}
		}

		if _, err := m.execPayload(ctx, at.SendPDU(seg.length), seg.hex+at.CtrlZ, onData); err != nil {
			return fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
		if last {
			op.Signal()
		}
	}
	return nil
}
