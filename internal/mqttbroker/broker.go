package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const writeTimeout = 5 * time.Second

// PublishMessage represents a QoS 0 publish received from a client. Session
// identifies the connection it arrived on.
type PublishMessage struct {
	ClientID string
	Session  uint64
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// SessionHook is invoked when a client completes CONNECT or its connection ends.
// session is unique per connection, so a client that reconnects under the same
// id is told apart from its previous connection.
type SessionHook func(clientID string, session uint64)

type clientSession struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	closed  atomic.Bool

	mu            sync.RWMutex
	clientID      string
	seq           uint64
	connected     bool
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) id() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *clientSession) identity() (string, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID, c.seq
}

func (c *clientSession) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for filter := range c.subscriptions {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.subscriptions[t] = struct{}{}
	}
}

func (c *clientSession) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subscriptions, t)
	}
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(packet)
	return err
}

// topicMatches applies MQTT filter semantics: "+" matches one level, a
// trailing "#" matches the remainder.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	for i, f := range fParts {
		if f == "#" {
			return i == len(fParts)-1
		}
		if i >= len(tParts) {
			return false
		}
		if f != "+" && f != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

// Broker is a minimal MQTT v3.1.1 broker with QoS 0 publish and subscribe
// semantics. Nothing is retained or queued for clients that are offline.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	onConnect    atomic.Value // stores SessionHook
	onDisconnect atomic.Value // stores SessionHook
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
	anonSeq   atomic.Uint64
	connSeq   atomic.Uint64
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	b.onConnect.Store(SessionHook(func(string, uint64) {}))
	b.onDisconnect.Store(SessionHook(func(string, uint64) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.RLock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clientsMu.RUnlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// SetSessionHooks installs callbacks for client connect and disconnect. Either may be nil.
func (b *Broker) SetSessionHooks(onConnect, onDisconnect SessionHook) {
	if onConnect == nil {
		onConnect = func(string, uint64) {}
	}
	if onDisconnect == nil {
		onDisconnect = func(string, uint64) {}
	}
	b.onConnect.Store(onConnect)
	b.onDisconnect.Store(onDisconnect)
}

// Publish sends a QoS 0 message to all clients subscribed to the topic.
// It reports how many subscribers the packet was written to.
func (b *Broker) Publish(topic string, payload []byte) (int, error) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return 0, err
	}
	return b.fanOut(topic, packet, nil), nil
}

// ClientCount returns the number of open client connections.
func (b *Broker) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) fanOut(topic string, packet []byte, exclude *clientSession) int {
	b.clientsMu.RLock()
	targets := make([]*clientSession, 0, len(b.clients))
	for session := range b.clients {
		if session != exclude && session.subscribed(topic) {
			targets = append(targets, session)
		}
	}
	b.clientsMu.RUnlock()

	delivered := 0
	for _, session := range targets {
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("publish to subscriber failed", "client", session.id(), "topic", topic, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()

		session.mu.RLock()
		connected, id, seq := session.connected, session.clientID, session.seq
		session.mu.RUnlock()
		if connected {
			b.logger.Debug("mqtt client disconnected", "client", id, "session", seq)
			b.onDisconnect.Load().(SessionHook)(id, seq)
		}
	}()

	ctx := context.Background()
	var keepAlive time.Duration

	for {
		if keepAlive > 0 {
			// Per MQTT 3.1.1, the server may drop a client silent for 1.5x keep-alive.
			_ = session.conn.SetReadDeadline(time.Now().Add(keepAlive * 3 / 2))
		}

		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4

		session.mu.RLock()
		connected := session.connected
		session.mu.RUnlock()
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect")
				return
			}
			pkt, err := b.handleConnect(session, payload)
			if err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
			keepAlive = time.Duration(pkt.keepAlive) * time.Second
		case packetPublish:
			msg, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID, msg.Session = session.identity()
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(h, ctx, msg, b.logger)
			}
			packet, err := buildPublishPacket(msg.Topic, msg.Payload)
			if err == nil {
				b.fanOut(msg.Topic, packet, session)
			}
		case packetSubscribe:
			packetID, topics, err := parseTopicList(payload, true)
			if err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
			session.subscribe(topics)
			b.logger.Debug("mqtt subscribe", "client", session.id(), "topics", topics)
			if err := session.writePacket(buildSubAck(packetID, len(topics))); err != nil {
				b.logger.Debug("write suback error", "error", err)
				return
			}
		case packetUnsubscribe:
			packetID, topics, err := parseTopicList(payload, false)
			if err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
			session.unsubscribe(topics)
			if err := session.writePacket(buildUnsubAck(packetID)); err != nil {
				b.logger.Debug("write unsuback error", "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket(pingResp); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) (connectPacket, error) {
	pkt, err := parseConnect(payload)
	if err != nil {
		return connectPacket{}, err
	}
	if pkt.clientID == "" {
		pkt.clientID = fmt.Sprintf("anon-%d", b.anonSeq.Add(1))
	}

	seq := b.connSeq.Add(1)
	session.mu.Lock()
	session.clientID = pkt.clientID
	session.seq = seq
	session.connected = true
	session.mu.Unlock()

	if err := session.writePacket(connAckAccepted); err != nil {
		return connectPacket{}, fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("mqtt client connected", "client", pkt.clientID, "session", seq, "keepalive", pkt.keepAlive)
	b.onConnect.Load().(SessionHook)(pkt.clientID, seq)
	return pkt, nil
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}
