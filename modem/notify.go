package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"i4.energy/across/smartgsm/at"
)

// watch consumes URCs queued by the loop until ctx is done. It may issue
// commands of its own, which the loop never waits on.
func (m *Modem) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case lines := <-m.urcChan:
			m.handleURC(ctx, lines)
		}
	}
}

func (m *Modem) handleURC(ctx context.Context, lines []string) {
	head := lines[0]

	switch {
	case strings.HasPrefix(head, at.UrcNewMsg):
		index, err := parseNewMessage(head)
		if err != nil {
			m.logger.Warn("malformed new message indication", "line", head, "error", err)
			return
		}
		msg, err := m.fetchMessage(ctx, index)
		if err != nil {
			m.logger.Error("could not read new message", "index", index, "error", err)
			return
		}
		m.publishMessage(msg)

	case strings.HasPrefix(head, at.UrcDeliverMsg):
		if len(lines) < 2 {
			m.unclassified(head)
			return
		}
		msg, err := decodePDU(lines[1], StatusReceivedUnread)
		if err != nil {
			m.logger.Warn("could not decode delivered message", "error", err)
			return
		}
		msg.Index = -1
		m.publishMessage(msg)

	case strings.HasPrefix(head, at.UrcCallerID):
		call, err := parseCallerID(head)
		if err != nil {
			m.logger.Warn("malformed caller id", "line", head, "error", err)
			return
		}
		m.logger.Info("incoming call", "number", call.Number)
		m.metrics.notified("call")
		m.calls.Publish(call)

	case head == at.UrcCall:
		m.logger.Debug("ring")
		m.metrics.notified("ring")

	case strings.HasPrefix(head, at.UrcUSSD):
		resp, err := parseUSSD(head)
		if err != nil {
			m.logger.Warn("malformed USSD report", "line", head, "error", err)
			return
		}
		m.metrics.notified("ussd")
		if _, dropped := m.ussd.Publish(resp); dropped > 0 {
			m.metrics.dropped("slow_subscriber")
		}

	case strings.HasPrefix(head, at.UrcStatusReport), strings.HasPrefix(head, at.UrcMessageReport):
		m.logger.Debug("status report", "line", head)
		m.metrics.notified("status_report")

	default:
		m.unclassified(head)
	}
}

func (m *Modem) publishMessage(msg SMS) {
	m.logger.Info("SMS received", "sender", msg.Sender, "index", msg.Index)
	m.metrics.notified("sms")
	if _, dropped := m.messages.Publish(msg); dropped > 0 {
		m.metrics.dropped("slow_subscriber")
	}
}

// fetchMessage reads a message announced by +CMTI. Timeouts are retried up
// to Config.MaxRetries attempts; some modems announce before the slot is
// readable.
func (m *Modem) fetchMessage(ctx context.Context, index int) (SMS, error) {
	err := fmt.Errorf("%w: index %d not read", ErrMessageNotFound, index)
	for attempt := 1; attempt <= m.config.MaxRetries; attempt++ {
		var msg SMS
		msg, err = m.readMessage(ctx, index)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrMessageNotFound) {
			return SMS{}, err
		}
		m.logger.Warn("retrying message read", "index", index, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return SMS{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return SMS{}, err
}

// parseNewMessage returns the storage index from `+CMTI: "SM",3`.
func parseNewMessage(line string) (int, error) {
	params, _ := at.Params(line, at.UrcNewMsg)
	return at.Int(at.Fields(params), 1)
}

// parseCallerID parses `+CLIP: "<number>",<type>[,...]`.
func parseCallerID(line string) (IncomingCall, error) {
	params, _ := at.Params(line, at.UrcCallerID)
	args := at.Fields(params)
	if len(args) < 2 {
		return IncomingCall{}, fmt.Errorf("expected number and type, got %q", params)
	}
	return IncomingCall{
		Number:          args[0],
		NumberingScheme: args[1],
		Time:            time.Now(),
	}, nil
}
