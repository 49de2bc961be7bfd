package at

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/warthog618/sms/encoding/gsm7"
)

// EncodeUSSD converts a USSD string into the packed GSM 7-bit form some
// modems require inside the +CUSD envelope, as upper case hex.
func EncodeUSSD(code string) (string, error) {
	septets, err := gsm7.Encode([]byte(code))
	if err != nil {
		return "", fmt.Errorf("gsm7 encode %q: %w", code, err)
	}
	packed := gsm7.Pack7BitUSSD(septets, 0)
	return strings.ToUpper(hex.EncodeToString(packed)), nil
}

// DecodeUSSD reverses EncodeUSSD. The trailing CR padding added when the
// last octet has seven spare bits is removed.
func DecodeUSSD(packedHex string) (string, error) {
	packed, err := hex.DecodeString(packedHex)
	if err != nil {
		return "", fmt.Errorf("decode hex: %w", err)
	}
	septets := gsm7.Unpack7BitUSSD(packed, 0)
	text, err := gsm7.Decode(septets)
	if err != nil {
		return "", fmt.Errorf("gsm7 decode: %w", err)
	}
	return strings.TrimSuffix(string(text), "\r"), nil
}

// LooksPacked reports whether s could be a hex encoded packed payload rather
// than readable text.
func LooksPacked(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEFabcdef", r) {
			return false
		}
	}
	return true
}
