package basp

// ConnectionState is the per-stream-channel state tracked by the caller of
// Instance.HandleStream (normally the broker). Datagram channels have no
// equivalent state: every packet is self-delimiting.
type ConnectionState uint8

const (
	// AwaitHeader means the next read should supply exactly HeaderSize bytes.
	AwaitHeader ConnectionState = iota
	// AwaitPayload means a header has been decoded and the next read should
	// supply exactly header.PayloadLen bytes.
	AwaitPayload
	// CloseConnection is terminal: the channel must be torn down and its
	// routing entries erased.
	CloseConnection
)

func (s ConnectionState) String() string {
	switch s {
	case AwaitHeader:
		return "await_header"
	case AwaitPayload:
		return "await_payload"
	case CloseConnection:
		return "close_connection"
	default:
		return "unknown_state"
	}
}

// StreamAccumulator holds the per-channel bookkeeping for the stream
// connection FSM: the pending header between the header and payload reads.
// The broker owns one instance per stream handle and passes it by pointer
// into Instance.HandleStream.
type StreamAccumulator struct {
	Handle Handle
	State  ConnectionState
	header Header
}

// NewStreamAccumulator returns an accumulator for h, initialized to
// AwaitHeader.
func NewStreamAccumulator(h Handle) *StreamAccumulator {
	return &StreamAccumulator{Handle: h, State: AwaitHeader}
}

// PendingPayloadLen returns the payload length of the header decoded on
// the last AwaitHeader read. Only meaningful while State is AwaitPayload.
func (a *StreamAccumulator) PendingPayloadLen() uint32 {
	return a.header.PayloadLen
}
