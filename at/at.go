package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg         = "+CMTI:"
	UrcDeliverMsg     = "+CMT:"
	UrcMessageReport  = "+CDSI:"
	UrcStatusReport   = "+CDS:"
	UrcSignalStrength = "+CSQ:"
	UrcCall           = "RING"
	UrcCallerID       = "+CLIP:"
	UrcUSSD           = "+CUSD:"

	// Intermediate result prefixes
	RespSendRef  = "+CMGS:"
	RespList     = "+CMGL:"
	RespRead     = "+CMGR:"
	RespPinState = "+CPIN:"

	// SIM states
	SimReady = "READY"
	SimPin   = "SIM PIN"
)

// Commands issued by the lifecycle controller.
const (
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdCallerID      = "AT+CLIP=1"
	CmdSimStorage    = `AT+CPMS="SM","SM","SM"`
	CmdSetPDUMode    = "AT+CMGF=0"
	CmdSetTextMode   = "AT+CMGF=1"
	CmdICCID         = "AT^ICCID?"
	CmdListAll       = "AT+CMGL=4"
	CmdDeleteAll     = "AT+CMGD=1,4"

	// DefaultNotifyConfig routes new message indications as +CMTI and
	// status reports as +CDS.
	DefaultNotifyConfig = "AT+CNMI=2,1,0,2,1"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}
