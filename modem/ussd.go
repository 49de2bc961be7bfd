package modem

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/warthog618/sms/encoding/ucs2"

	"i4.energy/across/smartgsm/at"
)

// USSDResponse is a +CUSD report.
type USSDResponse struct {
	// Status is the <m> field: 0 no further action, 1 further action
	// required, 2 terminated by network.
	Status int    `json:"status"`
	Text   string `json:"text"`
	DCS    int    `json:"dcs"`
}

// dcsUCS2 is the data coding scheme of UCS2 replies.
const dcsUCS2 = 72

// parseUSSD parses `+CUSD: <m>[,"<str>"[,<dcs>]]`. UCS2 replies are decoded.
func parseUSSD(line string) (USSDResponse, error) {
	params, ok := at.Params(line, at.UrcUSSD)
	if !ok {
		return USSDResponse{}, fmt.Errorf("not a USSD report: %q", line)
	}
	args := at.Fields(params)
	status, err := at.Int(args, 0)
	if err != nil {
		return USSDResponse{}, fmt.Errorf("parse USSD status: %w", err)
	}

	resp := USSDResponse{Status: status}
	if len(args) > 1 {
		resp.Text = args[1]
	}
	if len(args) > 2 {
		resp.DCS, _ = at.Int(args, 2)
	}

	if resp.DCS == dcsUCS2 && at.LooksPacked(resp.Text) {
		if text, err := decodeUCS2(resp.Text); err == nil {
			resp.Text = text
		}
	}
	return resp, nil
}

func decodeUCS2(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	runes, err := ucs2.Decode(b)
	if err != nil {
		return "", err
	}
	return string(runes), nil
}

// SendUSSD sends a USSD request such as "*101#" and waits for the network
// reply.
//
// Some modems reject the plain text request. In that case the request is
// retried exactly once with its GSM 7-bit packed form (or the packed form of
// Config.USSDFallbackCode when set), and a packed reply is decoded.
//
// The reply is the first +CUSD report seen after the request is written.
// The modem does not tag reports with the request they answer, so a network
// initiated report or a late reply to an earlier timed out request arriving
// in that window is returned instead. Every report is also published on
// USSDReplies.
func (m *Modem) SendUSSD(ctx context.Context, code string) (USSDResponse, error) {
	if err := m.ready(); err != nil {
		return USSDResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.USSDTimeout)
	defer cancel()

	// Subscribe first so a reply racing the final OK is not missed
	replies, unsubscribe := m.ussd.Subscribe()
	defer unsubscribe()

	packed := false
	_, err := m.exec(ctx, at.USSD(code))
	if errors.Is(err, ErrCommandFailed) {
		fallback := code
		if m.config.USSDFallbackCode != "" {
			fallback = m.config.USSDFallbackCode
		}
		m.logger.Info("USSD request rejected, retrying packed", "code", code, "fallback", fallback)

		encoded, encErr := at.EncodeUSSD(fallback)
		if encErr != nil {
			return USSDResponse{}, fmt.Errorf("USSD %s: %w (fallback not encodable: %v)", code, err, encErr)
		}
		packed = true
		_, err = m.exec(ctx, at.USSD(encoded))
	}
	if err != nil {
		return USSDResponse{}, fmt.Errorf("USSD %s: %w", code, err)
	}

	select {
	case resp, ok := <-replies:
		if !ok {
			return USSDResponse{}, ErrAlreadyClosed
		}
		if packed && at.LooksPacked(resp.Text) {
			if text, err := at.DecodeUSSD(resp.Text); err == nil {
				resp.Text = text
			}
		}
		return resp, nil
	case <-ctx.Done():
		return USSDResponse{}, fmt.Errorf("%w: waiting for USSD reply to %s: %w", ErrTimeout, code, ctx.Err())
	}
}
