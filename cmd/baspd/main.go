// baspd starts two BASP nodes on localhost and demonstrates a mutual
// handshake followed by a named-receiver request/reply exchange with mid
// correlation.
//
// Run:  go run ./cmd/baspd
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/basp-io/basp"
	"github.com/basp-io/basp/hooksink"
	"github.com/basp-io/basp/refcallee"
)

// maybeHooksRecorder returns a hooksink.Recorder wrapping the database
// named by BASPD_DATABASE_URL, or nil if that variable is unset. The demo
// runs fine without it; set it to also see hook events land in Postgres.
func maybeHooksRecorder() *hooksink.Recorder {
	dsn := os.Getenv("BASPD_DATABASE_URL")
	if dsn == "" {
		return nil
	}
	db, err := hooksink.Open(dsn)
	if err != nil {
		log.Fatalf("hooksink open: %v", err)
	}
	if err := hooksink.MigrateSchema(context.Background(), db); err != nil {
		log.Fatalf("hooksink migrate: %v", err)
	}
	return hooksink.NewRecorder(db, 2*time.Second)
}

// fanoutHooks dispatches every Hooks event to each of Hooks in order.
type fanoutHooks []basp.Hooks

func (f fanoutHooks) MessageForwarded(hdr basp.Header) {
	for _, h := range f {
		h.MessageForwarded(hdr)
	}
}
func (f fanoutHooks) MessageForwardingFailed(hdr basp.Header) {
	for _, h := range f {
		h.MessageForwardingFailed(hdr)
	}
}
func (f fanoutHooks) MessageSent(sender, nextHop, receiver basp.NodeId, mid uint64) {
	for _, h := range f {
		h.MessageSent(sender, nextHop, receiver, mid)
	}
}
func (f fanoutHooks) MessageSendingFailed(sender, receiver basp.NodeId, mid uint64) {
	for _, h := range f {
		h.MessageSendingFailed(sender, receiver, mid)
	}
}
func (f fanoutHooks) ActorPublished(actorID basp.ActorID, interfaces map[string]struct{}, port uint16) {
	for _, h := range f {
		h.ActorPublished(actorID, interfaces, port)
	}
}
func (f fanoutHooks) HandshakeCompleted(node basp.NodeId) {
	for _, h := range f {
		h.HandshakeCompleted(node)
	}
}
func (f fanoutHooks) ConnectionClosed(node basp.NodeId) {
	for _, h := range f {
		h.ConnectionClosed(node)
	}
}
func (f fanoutHooks) HeartbeatSent(node basp.NodeId) {
	for _, h := range f {
		h.HeartbeatSent(node)
	}
}
func (f fanoutHooks) HeartbeatReceived(node basp.NodeId) {
	for _, h := range f {
		h.HeartbeatReceived(node)
	}
}

func startNode(appID string) (*basp.Broker, *basp.Instance, *refcallee.Node, *basp.Metrics, *hooksink.Recorder, error) {
	broker, err := basp.NewBroker(appID, "127.0.0.1:0", "")
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("new broker: %w", err)
	}

	registry := refcallee.NewRegistry()
	node := refcallee.NewNode(appID, registry)

	metrics := basp.NewMetrics()
	hooks := fanoutHooks{basp.MetricsHooks{M: metrics}}
	rec := maybeHooksRecorder()
	if rec != nil {
		hooks = append(hooks, rec)
	}

	nodeID, err := basp.NewNodeID()
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("new node id: %w", err)
	}
	instance := basp.NewInstance(nodeID, appID, node, broker, basp.WithHooks(hooks))
	node.Bind(instance)
	broker.Bind(instance)
	broker.Start()

	return broker, instance, node, metrics, rec, nil
}

func main() {
	basp.InitLogger(slog.LevelInfo)

	brokerA, instanceA, nodeA, _, recA, err := startNode("baspd-demo")
	if err != nil {
		log.Fatalf("start node A: %v", err)
	}
	defer brokerA.Stop()
	if recA != nil {
		defer recA.Close()
	}

	brokerB, instanceB, nodeB, _, recB, err := startNode("baspd-demo")
	if err != nil {
		log.Fatalf("start node B: %v", err)
	}
	defer brokerB.Stop()
	if recB != nil {
		defer recB.Close()
	}

	greeter := nodeB.Registry().Open("greeter", 16)
	go func() {
		for env := range greeter.C() {
			fmt.Printf("[node-b] received: %q (mid=%d)\n", env.Body, env.Mid)
			nodeB.Reply(env, []byte(fmt.Sprintf("hello back, you said %q", env.Body)))
		}
	}()

	fmt.Printf("node-a %s listening on %s\n", instanceA.ThisNode(), brokerA.StreamAddr())
	fmt.Printf("node-b %s listening on %s\n", instanceB.ThisNode(), brokerB.StreamAddr())

	if err := brokerA.Dial(brokerB.StreamAddr(), 0); err != nil {
		log.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := instanceA.Lookup(instanceB.ThisNode()); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := nodeA.Ask(ctx, instanceB.ThisNode(), "greeter", []byte("hello from node-a"))
	if err != nil {
		log.Fatalf("ask: %v", err)
	}
	fmt.Printf("[node-a] reply: %q (mid=%d)\n", reply.Body, reply.Mid)
	fmt.Println("demo complete")
}
