package modem_test

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"i4.energy/across/smartgsm/modem"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	var zero T
	return zero
}

func TestNotifications(t *testing.T) {
	t.Run("New message indication is read and published", func(t *testing.T) {
		m, transport := newTestModem(t)
		messages, unsubscribe := m.Messages().Subscribe()
		defer unsubscribe()

		transport.Reply("AT+CMGR=3", "+CMGR: 0,,24\r\n"+deliverPDU+"\r\nOK\r\n")
		transport.SendData("+CMTI: \"SM\",3\r\n")

		msg := receive(t, messages)
		if msg.Index != 3 || msg.Text != "How are you?" {
			t.Errorf("unexpected message: %+v", msg)
		}
	})

	t.Run("Read is retried when the slot is not ready", func(t *testing.T) {
		m, transport := newTestModem(t)
		messages, unsubscribe := m.Messages().Subscribe()
		defer unsubscribe()

		transport.Reply("AT+CMGR=5", "OK\r\n", "+CMGR: 0,,24\r\n"+deliverPDU+"\r\nOK\r\n")
		transport.SendData("+CMTI: \"SM\",5\r\n")

		msg := receive(t, messages)
		if msg.Index != 5 {
			t.Errorf("unexpected message: %+v", msg)
		}
	})

	t.Run("Negative retry setting still reads the message", func(t *testing.T) {
		m, transport := newTestModem(t, func(b *modem.ConfigBuilder) {
			b.WithMaxRetries(-1)
		})
		messages, unsubscribe := m.Messages().Subscribe()
		defer unsubscribe()

		transport.Reply("AT+CMGR=3", "+CMGR: 0,,24\r\n"+deliverPDU+"\r\nOK\r\n")
		transport.SendData("+CMTI: \"SM\",3\r\n")

		msg := receive(t, messages)
		if msg.Index != 3 || msg.Text != "How are you?" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if !slices.Contains(transport.Writes(), "AT+CMGR=3") {
			t.Errorf("message was not read, writes: %q", transport.Writes())
		}
	})

	t.Run("Direct delivery carries the PDU", func(t *testing.T) {
		m, transport := newTestModem(t)
		messages, unsubscribe := m.Messages().Subscribe()
		defer unsubscribe()

		transport.SendData("+CMT: ,24\r\n" + deliverPDU + "\r\n")

		msg := receive(t, messages)
		if msg.Index != -1 || msg.Text != "How are you?" {
			t.Errorf("unexpected message: %+v", msg)
		}
	})

	t.Run("Caller id published on the calls stream", func(t *testing.T) {
		m, transport := newTestModem(t)
		calls, unsubscribe := m.Calls().Subscribe()
		defer unsubscribe()

		transport.SendData("RING\r\n\r\n+CLIP: \"+1234567890\",145,,,,0\r\n")

		call := receive(t, calls)
		if call.Number != "+1234567890" || call.NumberingScheme != "145" {
			t.Errorf("unexpected call: %+v", call)
		}
	})

	t.Run("Every subscriber gets the event", func(t *testing.T) {
		m, transport := newTestModem(t)
		first, unsubscribeFirst := m.Calls().Subscribe()
		defer unsubscribeFirst()
		second, unsubscribeSecond := m.Calls().Subscribe()
		defer unsubscribeSecond()

		transport.SendData("+CLIP: \"+1234567890\",145\r\n")

		if receive(t, first).Number != "+1234567890" || receive(t, second).Number != "+1234567890" {
			t.Error("expected both subscribers to see the call")
		}
	})

	t.Run("Every subscriber gets the same message", func(t *testing.T) {
		m, transport := newTestModem(t)
		first, unsubscribeFirst := m.Messages().Subscribe()
		defer unsubscribeFirst()
		second, unsubscribeSecond := m.Messages().Subscribe()
		defer unsubscribeSecond()

		transport.SendData("+CMT: ,24\r\n" + deliverPDU + "\r\n")

		a, b := receive(t, first), receive(t, second)
		if a.Text != "How are you?" || a != b {
			t.Errorf("expected both subscribers to see the same message, got %+v and %+v", a, b)
		}
	})

	t.Run("Network initiated USSD", func(t *testing.T) {
		m, transport := newTestModem(t)
		replies, unsubscribe := m.USSDReplies().Subscribe()
		defer unsubscribe()

		transport.SendData("+CUSD: 1,\"Reply 1 to continue\",15\r\n")

		resp := receive(t, replies)
		if resp.Status != 1 || resp.Text != "Reply 1 to continue" {
			t.Errorf("unexpected reply: %+v", resp)
		}
	})

	t.Run("Unclassified data does not disturb commands", func(t *testing.T) {
		m, transport := newTestModem(t)
		transport.SendData("garbage line\r\nOK\r\n")
		time.Sleep(20 * time.Millisecond)

		transport.Reply("AT+CSQ", "+CSQ: 20,99\r\nOK\r\n")
		resp, err := m.Execute(context.Background(), "AT+CSQ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(resp, "+CSQ: 20,99") || strings.Contains(resp, "garbage") {
			t.Errorf("unexpected response: %q", resp)
		}
	})
}

func TestStream(t *testing.T) {
	t.Run("Slow subscriber misses events", func(t *testing.T) {
		s := modem.NewStream[int](1)
		ch, unsubscribe := s.Subscribe()
		defer unsubscribe()

		if delivered, dropped := s.Publish(1); delivered != 1 || dropped != 0 {
			t.Errorf("first publish: delivered=%d dropped=%d", delivered, dropped)
		}
		if delivered, dropped := s.Publish(2); delivered != 0 || dropped != 1 {
			t.Errorf("second publish: delivered=%d dropped=%d", delivered, dropped)
		}
		if v := <-ch; v != 1 {
			t.Errorf("expected 1, got %d", v)
		}
	})

	t.Run("Late subscriber sees no earlier value", func(t *testing.T) {
		s := modem.NewStream[int](4)
		s.Publish(1)

		ch, unsubscribe := s.Subscribe()
		defer unsubscribe()
		s.Publish(2)

		if v := <-ch; v != 2 {
			t.Errorf("expected 2, got %d", v)
		}
		select {
		case v := <-ch:
			t.Errorf("unexpected extra value %d", v)
		default:
		}
	})

	t.Run("Unsubscribe closes the channel once", func(t *testing.T) {
		s := modem.NewStream[string](1)
		ch, unsubscribe := s.Subscribe()

		unsubscribe()
		unsubscribe()

		if _, ok := <-ch; ok {
			t.Error("expected closed channel")
		}
		if n := s.Subscribers(); n != 0 {
			t.Errorf("expected no subscribers, got %d", n)
		}
	})

	t.Run("Close ends every subscription", func(t *testing.T) {
		s := modem.NewStream[string](1)
		ch, unsubscribe := s.Subscribe()

		s.Close()
		unsubscribe()

		if _, ok := <-ch; ok {
			t.Error("expected closed channel")
		}
		if delivered, _ := s.Publish("late"); delivered != 0 {
			t.Error("publish after close should deliver nothing")
		}

		late, _ := s.Subscribe()
		if _, ok := <-late; ok {
			t.Error("subscription after close should be closed")
		}
	})
}
