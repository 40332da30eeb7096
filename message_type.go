package basp

// MessageType tags the operation carried by a Header.
type MessageType uint8

const (
	MessageTypeServerHandshake MessageType = iota + 1
	MessageTypeClientHandshake
	MessageTypeDispatchMessage
	MessageTypeAnnounceProxy
	MessageTypeKillProxy
	MessageTypeHeartbeat
	MessageTypeUDPServerHandshake
	MessageTypeUDPClientHandshake
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeServerHandshake:
		return "server_handshake"
	case MessageTypeClientHandshake:
		return "client_handshake"
	case MessageTypeDispatchMessage:
		return "dispatch_message"
	case MessageTypeAnnounceProxy:
		return "announce_proxy"
	case MessageTypeKillProxy:
		return "kill_proxy"
	case MessageTypeHeartbeat:
		return "heartbeat"
	case MessageTypeUDPServerHandshake:
		return "udp_server_handshake"
	case MessageTypeUDPClientHandshake:
		return "udp_client_handshake"
	default:
		return "unknown_operation"
	}
}

// IsHandshake reports whether m is one of the four handshake operations.
func (m MessageType) IsHandshake() bool {
	switch m {
	case MessageTypeServerHandshake, MessageTypeClientHandshake,
		MessageTypeUDPServerHandshake, MessageTypeUDPClientHandshake:
		return true
	default:
		return false
	}
}

// IsHeartbeat reports whether m is the heartbeat operation.
func (m MessageType) IsHeartbeat() bool {
	return m == MessageTypeHeartbeat
}

// NamedReceiverFlag is the only defined bit in Header.Flags: when set, a
// dispatch_message payload begins with a receiver name instead of relying
// solely on Header.DestActor.
const NamedReceiverFlag uint8 = 1 << 0
