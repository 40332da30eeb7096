package basp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Broker is a concrete TCP + UDP transport that feeds an Instance. It is
// explicitly an external collaborator from the protocol core's point of
// view (§1's "socket I/O and event loop"); SPEC_FULL wires one up so the
// module is runnable end to end.
//
// Every call into Instance is funneled through a single dispatch-loop
// goroutine fed by dispatchCh. Connection readers and the UDP reader
// submit closures and block on a per-call result channel; this is what
// lets Instance hold no locks of its own while the broker still accepts
// and serves many connections concurrently.
const (
	brokerDialTimeout       = 5 * time.Second
	brokerReadTimeout       = 30 * time.Second
	brokerWriteTimeout      = 5 * time.Second
	brokerOutboxSize        = 256
	maxDatagramSize         = 64 << 10
	brokerHeartbeatInterval = 15 * time.Second
)

type brokerConn struct {
	handle Handle
	conn   net.Conn
	acc    *StreamAccumulator
	outbox *RingBuffer[[]byte]
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Broker owns a stream listener and an optional datagram socket, and
// drives one Instance from the frames it reads and writes.
type Broker struct {
	instance *Instance
	appID    string

	listener net.Listener
	udpConn  net.PacketConn

	dispatchCh chan func()
	done       chan struct{}
	wg         sync.WaitGroup

	nextHandle atomic.Uint64
	conns      sync.Map // Handle -> *brokerConn
	udpPeers   sync.Map // addr.String() -> Handle
	udpAddrs   sync.Map // Handle -> net.Addr

	addresses *AddressRing
}

// NewBroker binds streamAddr (TCP) and, if non-empty, datagramAddr (UDP).
// The broker and the Instance it drives are constructed in a cycle
// (Instance needs a Flusher, Broker needs an Instance to call HandleStream
// on); call Bind with the Instance before Start.
func NewBroker(appID, streamAddr, datagramAddr string) (*Broker, error) {
	ln, err := net.Listen("tcp", streamAddr)
	if err != nil {
		return nil, fmt.Errorf("basp: broker listen %s: %w", streamAddr, err)
	}
	var pc net.PacketConn
	if datagramAddr != "" {
		pc, err = net.ListenPacket("udp", datagramAddr)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("basp: broker listen udp %s: %w", datagramAddr, err)
		}
	}
	return &Broker{
		appID:      appID,
		listener:   ln,
		udpConn:    pc,
		dispatchCh: make(chan func()),
		done:       make(chan struct{}),
		addresses:  NewAddressRing(),
	}, nil
}

// Bind attaches the Instance this broker feeds and flushes for. Must be
// called before Start or Dial.
func (b *Broker) Bind(instance *Instance) {
	b.instance = instance
}

// StreamAddr returns the bound TCP listener address.
func (b *Broker) StreamAddr() string {
	return b.listener.Addr().String()
}

// Start begins accepting connections and, if configured, reading
// datagrams. Non-blocking.
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.dispatchLoop()
	b.wg.Add(1)
	go b.acceptLoop()
	if b.udpConn != nil {
		b.wg.Add(1)
		go b.udpReadLoop()
	}
	b.wg.Add(1)
	go b.heartbeatLoop()
}

// heartbeatLoop periodically asks the Instance to emit a heartbeat to
// every directly connected peer. It uses the cached coarse clock rather
// than time.Now() to log the observed tick spacing, since this runs far
// off any connection's hot path and a syscall per tick would be wasted
// precision anyway.
func (b *Broker) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(brokerHeartbeatInterval)
	defer ticker.Stop()
	last := coarseNow.Load()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			now := coarseNow.Load()
			slog.Debug("basp: heartbeat tick", "elapsed_seconds", now-last)
			last = now
			select {
			case b.dispatchCh <- func() { b.instance.HandleHeartbeat() }:
			case <-b.done:
				return
			}
		}
	}
}

// Stop closes the listener, the datagram socket, and every live
// connection, then waits for all broker goroutines to exit.
func (b *Broker) Stop() {
	close(b.done)
	b.listener.Close()
	if b.udpConn != nil {
		b.udpConn.Close()
	}
	b.conns.Range(func(_, v any) bool {
		bc := v.(*brokerConn)
		b.closeConn(bc)
		return true
	})
	b.wg.Wait()
}

// SetAddressCandidates configures the consistent-hash ring used by
// PreferredAddress for a multi-homed remote node's advertised addresses.
func (b *Broker) SetAddressCandidates(addresses []string) {
	b.addresses.Set(addresses)
}

// PreferredAddress picks a deterministic address for key (typically this
// node's own id) among the addresses last passed to SetAddressCandidates.
func (b *Broker) PreferredAddress(key string) (string, bool) {
	return b.addresses.Preferred(key)
}

// Dial opens an outbound stream connection to address and writes a
// server_handshake announcing this node (optionally advertising the actor
// published on publishPort, 0 for none). The dialer sends server_handshake
// first because it is the side initiating the introduction; the accepting
// side waits for it and replies with client_handshake automatically
// through Instance's own handshake handling.
func (b *Broker) Dial(address string, publishPort uint16) error {
	conn, err := net.DialTimeout("tcp", address, brokerDialTimeout)
	if err != nil {
		return fmt.Errorf("basp: dial %s: %w", address, err)
	}
	b.wg.Add(1)
	go b.handleConn(conn, true, publishPort)
	return nil
}

func (b *Broker) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case fn := <-b.dispatchCh:
			fn()
		case <-b.done:
			return
		}
	}
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
				slog.Error("basp: broker accept error", "error", err)
				continue
			}
		}
		b.wg.Add(1)
		go b.handleConn(conn, false, 0)
	}
}

func (b *Broker) handleConn(conn net.Conn, outbound bool, publishPort uint16) {
	defer b.wg.Done()
	h := Handle(b.nextHandle.Add(1))
	bc := &brokerConn{
		handle: h,
		conn:   conn,
		acc:    NewStreamAccumulator(h),
		outbox: NewRingBuffer[[]byte](brokerOutboxSize),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	b.conns.Store(h, bc)

	b.wg.Add(1)
	go b.connWriter(bc)

	if outbound {
		var buf bytes.Buffer
		if err := WriteServerHandshake(&buf, b.instance.ThisNode(), b.appID, b.instance.published, publishPort); err != nil {
			slog.Error("basp: build server handshake failed", "error", err)
			b.closeConn(bc)
			return
		}
		bc.enqueue(buf.Bytes())
	}

	b.readLoop(bc)
	b.closeConn(bc)
}

func (bc *brokerConn) enqueue(frame []byte) {
	cp := append([]byte(nil), frame...)
	if err := bc.outbox.Write(cp); err != nil {
		slog.Warn("basp: broker outbox full, dropping frame", "handle", bc.handle)
		return
	}
	select {
	case bc.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) readLoop(bc *brokerConn) {
	r := bufio.NewReaderSize(bc.conn, 65536)
	for {
		size := HeaderSize
		if bc.acc.State == AwaitPayload {
			size = int(bc.acc.PendingPayloadLen())
		}
		buf := make([]byte, size)
		bc.conn.SetReadDeadline(time.Now().Add(brokerReadTimeout))
		if _, err := io.ReadFull(r, buf); err != nil {
			slog.Warn("basp: broker read error", "handle", bc.handle, "error", err)
			return
		}
		result := make(chan ConnectionState, 1)
		select {
		case b.dispatchCh <- func() { result <- b.instance.HandleStream(bc.acc, buf) }:
		case <-b.done:
			return
		}
		if state := <-result; state == CloseConnection {
			return
		}
	}
}

func (b *Broker) connWriter(bc *brokerConn) {
	defer b.wg.Done()
	for {
		select {
		case <-bc.notify:
		case <-bc.closed:
			return
		case <-b.done:
			return
		}
		for {
			frames, ok := bc.outbox.ReadN(32)
			if !ok {
				break
			}
			bc.conn.SetWriteDeadline(time.Now().Add(brokerWriteTimeout))
			writeErr := false
			for _, frame := range frames {
				if _, err := bc.conn.Write(frame); err != nil {
					slog.Error("basp: broker write error", "handle", bc.handle, "error", err)
					writeErr = true
					break
				}
			}
			if writeErr {
				b.closeConn(bc)
				return
			}
		}
	}
}

func (b *Broker) closeConn(bc *brokerConn) {
	bc.once.Do(func() {
		close(bc.closed)
		bc.conn.Close()
		b.conns.Delete(bc.handle)
		select {
		case b.dispatchCh <- func() { b.instance.purge(bc.handle) }:
		case <-b.done:
		}
	})
}

func (b *Broker) udpReadLoop() {
	defer b.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := b.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
				slog.Warn("basp: broker udp read error", "error", err)
				continue
			}
		}
		packet := append([]byte(nil), buf[:n]...)
		h := b.udpHandleFor(addr)
		result := make(chan bool, 1)
		select {
		case b.dispatchCh <- func() { result <- b.instance.HandleDatagram(h, packet) }:
		case <-b.done:
			return
		}
		<-result
	}
}

func (b *Broker) udpHandleFor(addr net.Addr) Handle {
	key := addr.String()
	if v, ok := b.udpPeers.Load(key); ok {
		return v.(Handle)
	}
	h := Handle(b.nextHandle.Add(1))
	actual, loaded := b.udpPeers.LoadOrStore(key, h)
	if loaded {
		return actual.(Handle)
	}
	b.udpAddrs.Store(h, addr)
	return h
}

// FlushEndpoint implements Flusher: it copies ep's accumulated bytes out
// (the RoutingTable resets the buffer immediately after this call
// returns) and queues them for the matching connection or UDP peer
// address.
func (b *Broker) FlushEndpoint(ep Endpoint) {
	data := append([]byte(nil), ep.WriteBuffer.Bytes()...)
	if v, ok := b.conns.Load(ep.Handle); ok {
		v.(*brokerConn).enqueue(data)
		return
	}
	if v, ok := b.udpAddrs.Load(ep.Handle); ok {
		addr := v.(net.Addr)
		if _, err := b.udpConn.WriteTo(data, addr); err != nil {
			slog.Warn("basp: broker udp write failed", "handle", ep.Handle, "error", err)
		}
		return
	}
	slog.Warn("basp: flush for unknown handle", "handle", ep.Handle)
}
