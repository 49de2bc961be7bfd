package at

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TimeFormat is the layout of timestamps in text mode responses.
const TimeFormat = "06/01/02,15:04:05"

var reArg = regexp.MustCompile(`"[^"]*"|[^,]*`)

// Fields splits the parameter list of an information response into its
// arguments, removing surrounding quotes. Empty arguments are preserved.
//
//	Fields(`"SM",3`) == []string{"SM", "3"}
func Fields(params string) []string {
	raw := reArg.FindAllString(strings.TrimSpace(params), -1)
	args := make([]string, 0, len(raw))
	for _, a := range raw {
		args = append(args, strings.Trim(strings.TrimSpace(a), `"`))
	}
	return args
}

// Params strips the given prefix (for example "+CMTI:") from a response
// line and returns the remaining parameter list.
func Params(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
}

// Int parses the i'th argument as a decimal integer.
func Int(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("argument %d missing in %q", i, args)
	}
	return strconv.Atoi(args[i])
}

// ReadMessage builds the command reading the message stored at index.
func ReadMessage(index int) string {
	return fmt.Sprintf("AT+CMGR=%d", index)
}

// DeleteMessage builds the command deleting the message stored at index.
func DeleteMessage(index int) string {
	return fmt.Sprintf("AT+CMGD=%d", index)
}

// SendPDU builds the first half of a PDU mode send; length is the TPDU
// length in octets, excluding the SMSC prefix.
func SendPDU(length int) string {
	return fmt.Sprintf("AT+CMGS=%d", length)
}

// EnterPIN builds the command unlocking the SIM.
func EnterPIN(pin string) string {
	return fmt.Sprintf(`AT+CPIN="%s"`, pin)
}

// USSD builds the USSD request envelope with presentation enabled and the
// default data coding scheme.
func USSD(payload string) string {
	return fmt.Sprintf(`AT+CUSD=1,"%s",15`, payload)
}
