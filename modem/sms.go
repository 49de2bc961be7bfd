package modem

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
)

// SMS represents a single short message.
type SMS struct {
	// Index is the storage slot, or -1 for a message delivered directly
	// with +CMT and never stored.
	Index int `json:"index"`
	// Status is the +CMGL/+CMGR stat value: 0 received unread, 1 received
	// read, 2 stored unsent, 3 stored sent.
	Status int `json:"status"`
	// Sender is the originating address, or the recipient for stored
	// outgoing messages.
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Message status values reported by the modem in PDU mode.
const (
	StatusReceivedUnread = 0
	StatusReceivedRead   = 1
	StatusStoredUnsent   = 2
	StatusStoredSent     = 3
)

// flashClass sets message class 0 in the data coding scheme so the handset
// shows the message immediately instead of storing it.
const flashClass = 0x10

// decodePDU parses one hex PDU line as the modem prints it, SMSC prefix
// included.
func decodePDU(line string, status int) (SMS, error) {
	p, err := pdumode.UnmarshalHexString(strings.TrimSpace(line))
	if err != nil {
		return SMS{}, fmt.Errorf("decode PDU: %w", err)
	}

	direction := sms.AsMT
	if status == StatusStoredUnsent || status == StatusStoredSent {
		direction = sms.AsMO
	}
	t, err := sms.Unmarshal(p.TPDU, direction)
	if err != nil {
		return SMS{}, fmt.Errorf("unmarshal TPDU: %w", err)
	}

	text, err := sms.Decode([]*tpdu.TPDU{t})
	if err != nil {
		return SMS{}, fmt.Errorf("decode user data: %w", err)
	}

	msg := SMS{Status: status, Text: string(text)}
	if t.SmsType() == tpdu.SmsSubmit {
		msg.Sender = t.DA.Number()
	} else {
		msg.Sender = t.OA.Number()
		msg.Time = t.SCTS.Time
	}
	return msg, nil
}

// segment is one AT+CMGS exchange.
type segment struct {
	// length is the TPDU length in octets, excluding the SMSC prefix.
	length int
	hex    string
}

// encodeSubmit builds the SUBMIT PDUs for body. Long bodies are split into
// concatenated segments unless concat is false, in which case they are
// rejected.
func encodeSubmit(to, body string, flash, concat bool) ([]segment, error) {
	tpdus, err := sms.Encode([]byte(body), sms.AsSubmit, sms.To(to))
	if err != nil {
		return nil, fmt.Errorf("encode SMS: %w", err)
	}
	if len(tpdus) > 1 && !concat {
		return nil, fmt.Errorf("message needs %d segments and concatenation is disabled", len(tpdus))
	}

	segments := make([]segment, 0, len(tpdus))
	for i, t := range tpdus {
		if flash {
			t.DCS |= flashClass
		}
		b, err := t.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal PDU %d: %w", i+1, err)
		}
		// Empty SMSC: the modem uses its configured service centre
		full := append([]byte{0x00}, b...)
		segments = append(segments, segment{
			length: len(b),
			hex:    strings.ToUpper(hex.EncodeToString(full)),
		})
	}
	return segments, nil
}
