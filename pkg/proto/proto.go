// Package proto defines the wire message types and payload structures of
// the latcheck protocol: an 8-byte big-endian header followed by a
// fixed-or-length-prefixed payload, carried over a mutually authenticated
// TLS stream.
package proto

const (
	// MaxDataLength bounds a single frame's payload, per the codec's
	// validation contract.
	MaxDataLength = 1 << 20 // 1 MiB

	// MaxLatency is the sentinel latency standing for "no reply".
	MaxLatency uint32 = 10000

	usernameFieldLen = 32
	passwordFieldLen = 32
	locationFieldLen = 128
)

// MsgType identifies the payload layout that follows a Header.
type MsgType uint32

const (
	LoginRequest  MsgType = 0x0001
	LoginOK       MsgType = 0x0002
	LoginFail     MsgType = 0x0003
	ListRequest   MsgType = 0x0004
	ListResponse  MsgType = 0x0005
	ReportRequest MsgType = 0x0006
	ReportOK      MsgType = 0x0007
	ReportFail    MsgType = 0x0008
)

// IsRecognized reports whether t is one of the eight message types this
// protocol version knows about.
func (t MsgType) IsRecognized() bool {
	return t >= LoginRequest && t <= ReportFail
}

func (t MsgType) String() string {
	switch t {
	case LoginRequest:
		return "LOGIN_REQUEST"
	case LoginOK:
		return "LOGIN_OK"
	case LoginFail:
		return "LOGIN_FAIL"
	case ListRequest:
		return "LIST_REQUEST"
	case ListResponse:
		return "LIST_RESPONSE"
	case ReportRequest:
		return "REPORT_REQUEST"
	case ReportOK:
		return "REPORT_OK"
	case ReportFail:
		return "REPORT_FAIL"
	default:
		return "UNKNOWN"
	}
}

// Header is the fixed 8-byte frame prefix, big-endian.
type Header struct {
	MsgType    MsgType
	DataLength uint32
}

const HeaderLen = 8

// LoginRequestPayload carries NUL-padded, fixed-width credential fields.
type LoginRequestPayload struct {
	Username string
	Password string
}

// ResultPayload is the shared shape of LOGIN_OK/LOGIN_FAIL/REPORT_OK/REPORT_FAIL.
type ResultPayload struct {
	ResultCode uint32
}

// ServerEntry is one (server_id, ip_addr) pair in a LIST_RESPONSE.
type ServerEntry struct {
	ServerID uint32
	IPAddr   uint32
}

// ListResponsePayload is the server's answer to LIST_REQUEST.
type ListResponsePayload struct {
	Servers []ServerEntry
}

// ReportRecordEntry is one (server_id, latency) pair in a REPORT_REQUEST.
type ReportRecordEntry struct {
	ServerID uint32
	Latency  uint32
}

// ReportRequestPayload is the client's upload of one probing run.
type ReportRequestPayload struct {
	Location string
	Records  []ReportRecordEntry
}
