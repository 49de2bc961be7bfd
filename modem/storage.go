package modem

import (
	"context"
	"fmt"
	"strings"

	"i4.energy/across/smartgsm/at"
)

// Mode is the message format selected with AT+CMGF.
type Mode int32

const (
	ModePDU Mode = iota
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModePDU:
		return "PDU"
	case ModeText:
		return "TEXT"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "PDU", and "TEXT" or its alias "SMS", in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PDU":
		return ModePDU, nil
	case "TEXT", "SMS":
		return ModeText, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Mode reports the message format currently selected.
func (m *Modem) Mode() Mode {
	return Mode(m.mode.Load())
}

// ChangeMode switches the message format. Sending and reading messages
// require PDU mode.
func (m *Modem) ChangeMode(ctx context.Context, mode Mode) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.applyMode(ctx, mode)
}

func (m *Modem) applyMode(ctx context.Context, mode Mode) error {
	var cmd string
	switch mode {
	case ModePDU:
		cmd = at.CmdSetPDUMode
	case ModeText:
		cmd = at.CmdSetTextMode
	default:
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}
	if err := m.expectOK(ctx, cmd); err != nil {
		return fmt.Errorf("could not set %s mode: %w", mode, err)
	}
	m.mode.Store(int32(mode))
	return nil
}

func (m *Modem) requirePDU() error {
	if mode := m.Mode(); mode != ModePDU {
		return fmt.Errorf("%w: operation requires PDU mode, modem is in %s mode", ErrInvalidMode, mode)
	}
	return nil
}

// ListMessages returns every message in SIM storage.
func (m *Modem) ListMessages(ctx context.Context) ([]SMS, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := m.requirePDU(); err != nil {
		return nil, err
	}
	resp, err := m.exec(ctx, at.CmdListAll)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return m.parseList(resp), nil
}

// parseList reads +CMGL header and PDU line pairs. A message that fails to
// decode is logged and skipped so one corrupt slot does not hide the rest.
func (m *Modem) parseList(resp string) []SMS {
	lines := strings.Split(resp, "\n")
	messages := []SMS{}
	for i := 0; i < len(lines); i++ {
		params, ok := at.Params(lines[i], at.RespList)
		if !ok || i+1 >= len(lines) {
			continue
		}
		args := at.Fields(params)
		index, err := at.Int(args, 0)
		if err != nil {
			m.logger.Warn("malformed list entry", "line", lines[i], "error", err)
			continue
		}
		status, _ := at.Int(args, 1)

		i++
		msg, err := decodePDU(lines[i], status)
		if err != nil {
			m.logger.Warn("skipping undecodable message", "index", index, "error", err)
			continue
		}
		msg.Index = index
		messages = append(messages, msg)
	}
	return messages
}

// ReadMessage reads the message stored at index.
func (m *Modem) ReadMessage(ctx context.Context, index int) (SMS, error) {
	if err := m.ready(); err != nil {
		return SMS{}, err
	}
	if err := m.requirePDU(); err != nil {
		return SMS{}, err
	}
	return m.readMessage(ctx, index)
}

func (m *Modem) readMessage(ctx context.Context, index int) (SMS, error) {
	resp, err := m.exec(ctx, at.ReadMessage(index))
	if err != nil {
		return SMS{}, fmt.Errorf("read message %d: %w", index, err)
	}

	lines := strings.Split(resp, "\n")
	for i, line := range lines {
		params, ok := at.Params(line, at.RespRead)
		if !ok || i+1 >= len(lines) {
			continue
		}
		status, _ := at.Int(at.Fields(params), 0)
		msg, err := decodePDU(lines[i+1], status)
		if err != nil {
			return SMS{}, fmt.Errorf("read message %d: %w", index, err)
		}
		msg.Index = index
		return msg, nil
	}
	return SMS{}, fmt.Errorf("%w: index %d", ErrMessageNotFound, index)
}

// RemoveMessage deletes msg from storage.
func (m *Modem) RemoveMessage(ctx context.Context, msg SMS) error {
	if err := m.ready(); err != nil {
		return err
	}
	if msg.Index < 0 {
		return fmt.Errorf("%w: message was never stored", ErrMessageNotFound)
	}
	if err := m.expectOK(ctx, at.DeleteMessage(msg.Index)); err != nil {
		return fmt.Errorf("remove message %d: %w", msg.Index, err)
	}
	return nil
}

// RemoveAllMessages empties SIM storage.
func (m *Modem) RemoveAllMessages(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.expectOK(ctx, at.CmdDeleteAll); err != nil {
		return fmt.Errorf("remove all messages: %w", err)
	}
	return nil
}

var iccidPrefixes = []string{"^ICCID:", "+ICCID:", "+CCID:"}

// ICCID returns the SIM card serial number.
func (m *Modem) ICCID(ctx context.Context) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}
	resp, err := m.exec(ctx, at.CmdICCID)
	if err != nil {
		return "", fmt.Errorf("read ICCID: %w", err)
	}
	return parseICCID(resp)
}

func parseICCID(resp string) (string, error) {
	for _, line := range strings.Split(resp, "\n") {
		for _, prefix := range iccidPrefixes {
			if params, ok := at.Params(line, prefix); ok {
				// Odd length ICCIDs are padded with F
				id := strings.TrimRight(strings.Trim(params, `"`), "fF")
				if id == "" {
					break
				}
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("no ICCID in response: %q", resp)
}
