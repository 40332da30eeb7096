// Package hooksink persists basp.Hooks events to Postgres for offline
// inspection. It is an external, best-effort observability sink: nothing
// in this module is ever read back to reconstruct an Instance's state.
package hooksink

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/basp-io/basp"
)

// Open opens a *sql.DB against dsn using the pgx driver. Callers still
// own the returned DB's lifetime (Close it on shutdown) and should call
// MigrateSchema once before handing it to NewRecorder.
func Open(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// SQLDB abstracts the database operations Recorder needs, so tests can
// inject a fake instead of a live connection. *sql.DB satisfies this
// interface.
type SQLDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MigrateSchema creates the basp_hook_events table if it does not exist. Safe
// to call on every startup.
func MigrateSchema(ctx context.Context, db SQLDB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS basp_hook_events (
	id         BIGSERIAL PRIMARY KEY,
	event      TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	detail     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_basp_hook_events_event ON basp_hook_events (event);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// recorderQueueSize bounds the number of pending events a Recorder holds
// between the caller and its writer goroutine, mirroring the fixed-size
// queue Broker keeps between its dispatch loop and each connection writer.
const recorderQueueSize = 1024

type hookEvent struct {
	name   string
	detail any
}

// Recorder implements basp.Hooks by writing one row per event. Hooks
// methods only enqueue: the insert itself runs on a dedicated writer
// goroutine, since basp.Hooks methods run on Instance's single dispatch
// loop and must return quickly. A full queue drops the event and logs a
// warning rather than blocking the caller.
type Recorder struct {
	db      SQLDB
	timeout time.Duration
	queue   *basp.RingBuffer[hookEvent]
	notify  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder returns a Recorder writing through db, bounding each insert
// to timeout (0 defaults to 2s), and starts its writer goroutine. Call
// Close to drain and stop it.
func NewRecorder(db SQLDB, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	rec := &Recorder{
		db:      db,
		timeout: timeout,
		queue:   basp.NewRingBuffer[hookEvent](recorderQueueSize),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	rec.wg.Add(1)
	go rec.writeLoop()
	return rec
}

// Close stops the writer goroutine after draining any queued events.
func (rec *Recorder) Close() {
	close(rec.done)
	rec.wg.Wait()
}

func (rec *Recorder) writeLoop() {
	defer rec.wg.Done()
	for {
		events, ok := rec.queue.ReadN(32)
		if !ok {
			select {
			case <-rec.notify:
				continue
			case <-rec.done:
				for events, ok := rec.queue.ReadN(32); ok; events, ok = rec.queue.ReadN(32) {
					for _, ev := range events {
						rec.write(ev.name, ev.detail)
					}
				}
				return
			}
		}
		for _, ev := range events {
			rec.write(ev.name, ev.detail)
		}
	}
}

func (rec *Recorder) record(event string, detail any) {
	if err := rec.queue.Write(hookEvent{name: event, detail: detail}); err != nil {
		slog.Warn("hooksink: event queue full, dropping event", "event", event)
		return
	}
	select {
	case rec.notify <- struct{}{}:
	default:
	}
}

func (rec *Recorder) write(event string, detail any) {
	body, err := json.Marshal(detail)
	if err != nil {
		slog.Error("hooksink: marshal failed", "event", event, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rec.timeout)
	defer cancel()
	if _, err := rec.db.ExecContext(ctx, `INSERT INTO basp_hook_events (event, detail) VALUES ($1, $2)`, event, body); err != nil {
		slog.Error("hooksink: insert failed", "event", event, "error", err)
	}
}

func (rec *Recorder) MessageForwarded(hdr basp.Header) {
	rec.record("message_forwarded", map[string]any{
		"source_node": hdr.SourceNode.String(),
		"dest_node":   hdr.DestNode.String(),
		"operation":   hdr.Operation.String(),
	})
}

func (rec *Recorder) MessageForwardingFailed(hdr basp.Header) {
	rec.record("message_forwarding_failed", map[string]any{
		"source_node": hdr.SourceNode.String(),
		"dest_node":   hdr.DestNode.String(),
		"operation":   hdr.Operation.String(),
	})
}

func (rec *Recorder) MessageSent(sender, nextHop, receiver basp.NodeId, mid uint64) {
	rec.record("message_sent", map[string]any{
		"sender":   sender.String(),
		"next_hop": nextHop.String(),
		"receiver": receiver.String(),
		"mid":      mid,
	})
}

func (rec *Recorder) MessageSendingFailed(sender, receiver basp.NodeId, mid uint64) {
	rec.record("message_sending_failed", map[string]any{
		"sender":   sender.String(),
		"receiver": receiver.String(),
		"mid":      mid,
	})
}

func (rec *Recorder) ActorPublished(actorID basp.ActorID, interfaces map[string]struct{}, port uint16) {
	names := make([]string, 0, len(interfaces))
	for name := range interfaces {
		names = append(names, name)
	}
	rec.record("actor_published", map[string]any{
		"actor_id":   int64(actorID),
		"port":       port,
		"interfaces": names,
	})
}

func (rec *Recorder) HandshakeCompleted(node basp.NodeId) {
	rec.record("handshake_completed", map[string]any{"node": node.String()})
}

func (rec *Recorder) ConnectionClosed(node basp.NodeId) {
	rec.record("connection_closed", map[string]any{"node": node.String()})
}

func (rec *Recorder) HeartbeatSent(node basp.NodeId) {
	rec.record("heartbeat_sent", map[string]any{"node": node.String()})
}

func (rec *Recorder) HeartbeatReceived(node basp.NodeId) {
	rec.record("heartbeat_received", map[string]any{"node": node.String()})
}
