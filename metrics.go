package basp

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique expvar prefixes across Instances in the same
// process (common in tests that spin up several nodes).
var metricsSeq atomic.Int64

// Metrics tracks operational counters for one Instance. Counters are
// lock-free (atomic int64) and published to expvar under a "basp.<seq>."
// prefix for inspection via /debug/vars.
type Metrics struct {
	MessagesForwarded        atomic.Int64
	MessagesForwardingFailed atomic.Int64
	MessagesSent             atomic.Int64
	MessagesSendingFailed    atomic.Int64
	HandshakesCompleted      atomic.Int64
	ConnectionsClosed        atomic.Int64
	HeartbeatsSent           atomic.Int64
	HeartbeatsReceived       atomic.Int64
	ActorsPublished          atomic.Int64
}

// NewMetrics creates a Metrics instance and publishes all counters to
// expvar under a uniquely numbered prefix.
func NewMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "basp." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("messages_forwarded", atomicVar(&m.MessagesForwarded))
	publish("messages_forwarding_failed", atomicVar(&m.MessagesForwardingFailed))
	publish("messages_sent", atomicVar(&m.MessagesSent))
	publish("messages_sending_failed", atomicVar(&m.MessagesSendingFailed))
	publish("handshakes_completed", atomicVar(&m.HandshakesCompleted))
	publish("connections_closed", atomicVar(&m.ConnectionsClosed))
	publish("heartbeats_sent", atomicVar(&m.HeartbeatsSent))
	publish("heartbeats_received", atomicVar(&m.HeartbeatsReceived))
	publish("actors_published", atomicVar(&m.ActorsPublished))

	return m
}

func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON
// serialization by the admin server.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"messages_forwarded":         m.MessagesForwarded.Load(),
		"messages_forwarding_failed": m.MessagesForwardingFailed.Load(),
		"messages_sent":              m.MessagesSent.Load(),
		"messages_sending_failed":    m.MessagesSendingFailed.Load(),
		"handshakes_completed":       m.HandshakesCompleted.Load(),
		"connections_closed":         m.ConnectionsClosed.Load(),
		"heartbeats_sent":            m.HeartbeatsSent.Load(),
		"heartbeats_received":        m.HeartbeatsReceived.Load(),
		"actors_published":           m.ActorsPublished.Load(),
	}
}

// MetricsHooks adapts Metrics to the Hooks interface so an Instance can be
// configured to record every observer event without the caller wiring
// each counter by hand.
type MetricsHooks struct {
	NopHooks
	M *Metrics
}

func (h MetricsHooks) MessageForwarded(Header) {
	h.M.MessagesForwarded.Add(1)
}

func (h MetricsHooks) MessageForwardingFailed(Header) {
	h.M.MessagesForwardingFailed.Add(1)
}

func (h MetricsHooks) MessageSent(sender, nextHop, receiver NodeId, mid uint64) {
	h.M.MessagesSent.Add(1)
}

func (h MetricsHooks) MessageSendingFailed(sender, receiver NodeId, mid uint64) {
	h.M.MessagesSendingFailed.Add(1)
}

func (h MetricsHooks) ActorPublished(actorID ActorID, interfaces map[string]struct{}, port uint16) {
	h.M.ActorsPublished.Add(1)
}

func (h MetricsHooks) HandshakeCompleted(NodeId) {
	h.M.HandshakesCompleted.Add(1)
}

func (h MetricsHooks) ConnectionClosed(NodeId) {
	h.M.ConnectionsClosed.Add(1)
}

func (h MetricsHooks) HeartbeatSent(NodeId) {
	h.M.HeartbeatsSent.Add(1)
}

func (h MetricsHooks) HeartbeatReceived(NodeId) {
	h.M.HeartbeatsReceived.Add(1)
}
