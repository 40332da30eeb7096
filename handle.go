package basp

// Handle is a broker-supplied opaque identifier for one transport channel
// (a stream connection or a datagram socket binding). The instance never
// creates or closes handles; it only binds them to nodes in the routing
// table.
type Handle uint64

// NoHandle is the sentinel meaning "no channel".
const NoHandle Handle = 0
