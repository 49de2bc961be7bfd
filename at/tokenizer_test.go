package at_test

import (
	"bufio"
	"io"
	"slices"
	"strings"
	"testing"
	"testing/iotest"

	"i4.energy/across/smartgsm/at"
)

const pdu = "07911326040000F0040B911346610089F60000208062917314080CC8F71D14969741F977FD07"

func scanAll(t *testing.T, r io.Reader) []string {
	t.Helper()
	var tokens []string
	scanner := bufio.NewScanner(r)
	scanner.Split(at.Splitter)
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	return tokens
}

func TestSplitter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "PDU submit exchange",
			input:    "AT+CMGS=18\r\n> \r\n+CMGS: 12\r\nOK\r\n",
			expected: []string{"AT+CMGS=18", "> ", "", "+CMGS: 12", "OK"},
		},
		{
			name:     "Direct delivery with its PDU line",
			input:    "+CMT: ,24\r\n" + pdu + "\r\n",
			expected: []string{"+CMT: ,24", pdu},
		},
		{
			name:     "Stored message read",
			input:    "+CMGR: 0,,24\r\n" + pdu + "\r\nOK\r\n",
			expected: []string{"+CMGR: 0,,24", pdu, "OK"},
		},
		{
			name:     "Listing with two entries",
			input:    "+CMGL: 1,1,,24\r\n" + pdu + "\r\n+CMGL: 2,0,,24\r\n" + pdu + "\r\nOK\r\n",
			expected: []string{"+CMGL: 1,1,,24", pdu, "+CMGL: 2,0,,24", pdu, "OK"},
		},
		{
			name:     "USSD reply after OK",
			input:    "OK\r\n\r\n+CUSD: 0,\"Balance: 10.00\",15\r\n",
			expected: []string{"OK", "", "+CUSD: 0,\"Balance: 10.00\",15"},
		},
		{
			name:     "Caller id between RINGs",
			input:    "RING\r\n\r\n+CLIP: \"+1234567890\",145,,,,0\r\nRING\r\n",
			expected: []string{"RING", "", "+CLIP: \"+1234567890\",145,,,,0", "RING"},
		},
		{
			name:     "Indication inside a response",
			input:    "+CMTI: \"SM\",4\r\n^ICCID: \"89860318640220133897F\"\r\nOK\r\n",
			expected: []string{"+CMTI: \"SM\",4", "^ICCID: \"89860318640220133897F\"", "OK"},
		},
		{
			name:     "Verbose error",
			input:    "+CMS ERROR: 304\r\n",
			expected: []string{"+CMS ERROR: 304"},
		},
		{
			name:     "Truncated PDU at EOF",
			input:    "+CMT: ,24\r\n0791132604",
			expected: []string{"+CMT: ,24", "0791132604"},
		},
		{
			name:     "Partial prompt at EOF",
			input:    "AT+CMGS=18\r\n>",
			expected: []string{"AT+CMGS=18", ">"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := scanAll(t, strings.NewReader(tt.input))
			if !slices.Equal(tokens, tt.expected) {
				t.Errorf("expected %q, got %q", tt.expected, tokens)
			}
		})
	}
}

func TestSplitter_ByteAtATime(t *testing.T) {
	input := "AT+CMGS=18\r\n> +CMGS: 7\r\nOK\r\n"
	expected := []string{"AT+CMGS=18", "> ", "+CMGS: 7", "OK"}

	tokens := scanAll(t, iotest.OneByteReader(strings.NewReader(input)))
	if !slices.Equal(tokens, expected) {
		t.Errorf("expected %q, got %q", expected, tokens)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected at.ResponseType
	}{
		// Final responses
		{name: "OK response", input: "OK", expected: at.TypeFinal},
		{name: "ERROR response", input: "ERROR", expected: at.TypeFinal},
		{name: "CME Error", input: "+CME ERROR: 30", expected: at.TypeFinal},
		{name: "CMS Error", input: "+CMS ERROR: 500", expected: at.TypeFinal},
		{name: "NO CARRIER", input: "NO CARRIER", expected: at.TypeFinal},

		// URCs
		{name: "New message URC", input: "+CMTI: \"SM\",1", expected: at.TypeURC},
		{name: "Incoming call URC", input: "RING", expected: at.TypeURC},
		{name: "Caller ID URC", input: `+CLIP: "+1234567890",145,,,,0`, expected: at.TypeURC},
		{name: "Direct delivery URC", input: "+CMT: ,24", expected: at.TypeURC},
		{name: "USSD reply URC", input: `+CUSD: 0,"Balance 10.00",15`, expected: at.TypeURC},
		{name: "Status report URC", input: "+CDS: 25", expected: at.TypeURC},

		// Data responses
		{name: "AT command", input: "AT+CSQ", expected: at.TypeData},
		{name: "Signal quality response", input: "+CSQ: 15,99", expected: at.TypeData},
		{name: "PIN status", input: "+CPIN: READY", expected: at.TypeData},
		{name: "Network registration", input: "+CREG: 0,1", expected: at.TypeData},
		{name: "SMS send result", input: "+CMGS: 123", expected: at.TypeData},
		{name: "Message list entry", input: "+CMGL: 1,0,,24", expected: at.TypeData},
		{name: "ICCID response", input: "^ICCID: 89860012345678901234", expected: at.TypeData},
		{name: "Device info", input: "Quectel", expected: at.TypeData},

		// Prompt
		{name: "SMS input prompt", input: "> ", expected: at.TypePrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := at.Classify(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v for input %q", tt.expected, result, tt.input)
			}
		})
	}
}

func TestTrailingLines(t *testing.T) {
	tests := []struct {
		urc      string
		expected int
	}{
		{urc: "+CMT: ,24", expected: 1},
		{urc: "+CDS: 25", expected: 1},
		{urc: `+CMTI: "SM",3`, expected: 0},
		{urc: "RING", expected: 0},
		{urc: `+CLIP: "+1234567890",145`, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.urc, func(t *testing.T) {
			if got := at.TrailingLines(tt.urc); got != tt.expected {
				t.Errorf("Expected %d trailing lines, got %d", tt.expected, got)
			}
		})
	}
}
