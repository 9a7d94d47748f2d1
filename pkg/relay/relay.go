// Package relay serves shared session documents to participants over
// WebSocket.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/protocol"
	"github.com/teslashibe/safewalk/pkg/sharedstate"
)

// Connection is a connected participant.
type Connection struct {
	ID          string
	Participant string
	Conn        *websocket.Conn
	Connected   time.Time
	LastSeen    time.Time

	mu sync.Mutex

	subMu sync.Mutex
	subs  map[string]sharedstate.Subscription
}

// Send writes a message to the participant.
func (c *Connection) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastSeen = time.Now()
	c.mu.Unlock()
}

// Options configures a Relay.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Relay exposes a sharedstate.Store to WebSocket clients.
type Relay struct {
	store   sharedstate.Store
	logger  *slog.Logger
	metrics *metrics.Collector

	mu    sync.RWMutex
	conns map[string]*Connection

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	writes           atomic.Uint64
}

// New creates a relay in front of store.
func New(store sharedstate.Store, opts Options) *Relay {
	return &Relay{
		store:   store,
		logger:  log.Component(opts.Logger, "relay"),
		metrics: opts.Metrics,
		conns:   make(map[string]*Connection),
	}
}

// RegisterRoutes registers the WebSocket endpoint on a Fiber app.
func (r *Relay) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/state", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/state", websocket.New(r.handleConn))
	app.Get("/ws/state/:participant", websocket.New(r.handleConn))
}

// RegisterAPIRoutes registers relay introspection routes.
func (r *Relay) RegisterAPIRoutes(api fiber.Router) {
	state := api.Group("/state")

	state.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(r.GetStats())
	})

	state.Get("/connections", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"connections": r.GetConnectionInfos(),
			"count":       r.ConnectionCount(),
		})
	})
}

func (r *Relay) handleConn(c *websocket.Conn) {
	conn := &Connection{
		ID:          uuid.NewString(),
		Participant: c.Params("participant"),
		Conn:        c,
		Connected:   time.Now(),
		LastSeen:    time.Now(),
		subs:        make(map[string]sharedstate.Subscription),
	}

	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.conns[conn.ID] = conn
	count := len(r.conns)
	r.mu.Unlock()
	r.metrics.RelayConnected(1)

	logger := r.logger.With("conn", conn.ID, "participant", conn.Participant)
	logger.Info("participant connected", "total", count)

	defer func() {
		cancel()
		conn.subMu.Lock()
		for _, sub := range conn.subs {
			sub.Close()
		}
		conn.subs = nil
		conn.subMu.Unlock()

		r.mu.Lock()
		delete(r.conns, conn.ID)
		count := len(r.conns)
		r.mu.Unlock()
		r.metrics.RelayConnected(-1)

		logger.Info("participant disconnected", "total", count)
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			logger.Debug("read ended", "error", err)
			return
		}
		conn.touch()
		r.messagesReceived.Add(1)

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			logger.Warn("parse error", "error", err)
			r.reply(conn, mustError("", "", err.Error()))
			continue
		}
		r.metrics.RelayMessage("in", string(msg.Type))
		r.handleMessage(ctx, conn, msg, logger)
	}
}

func (r *Relay) handleMessage(ctx context.Context, conn *Connection, msg *protocol.Message, logger *slog.Logger) {
	switch msg.Type {
	case protocol.TypeGet:
		doc, err := r.store.Get(ctx, msg.Path)
		if err != nil {
			r.fail(conn, msg, err)
			return
		}
		r.replyDocument(conn, msg.ID, doc)

	case protocol.TypeSet, protocol.TypeUpdate:
		data, err := msg.GetWriteData()
		if err != nil {
			r.fail(conn, msg, err)
			return
		}
		var version uint64
		if msg.Type == protocol.TypeSet {
			version, err = r.store.Set(ctx, msg.Path, data.Fields)
		} else {
			version, err = r.store.Update(ctx, msg.Path, data.Fields)
		}
		if err != nil {
			r.fail(conn, msg, err)
			return
		}
		r.writes.Add(1)
		logger.Debug("document written", "type", msg.Type, "path", msg.Path, "version", version)
		ack, err := protocol.NewAckMessage(msg.ID, msg.Path, version)
		if err == nil {
			r.reply(conn, ack)
		}

	case protocol.TypeSubscribe:
		r.subscribe(ctx, conn, msg, logger)

	case protocol.TypeUnsubscribe:
		conn.subMu.Lock()
		sub, ok := conn.subs[msg.Path]
		delete(conn.subs, msg.Path)
		conn.subMu.Unlock()
		if ok {
			sub.Close()
		}
		ack, err := protocol.NewAckMessage(msg.ID, msg.Path, 0)
		if err == nil {
			r.reply(conn, ack)
		}

	case protocol.TypePing:
		pong, err := protocol.NewPongMessage(msg.ID, msg.Timestamp)
		if err == nil {
			r.reply(conn, pong)
		}

	default:
		r.reply(conn, mustError(msg.ID, msg.Path, "unsupported message type "+string(msg.Type)))
	}
}

// subscribe answers with the current document, then forwards every change
// until the participant unsubscribes or disconnects. A repeated subscribe
// for the same path only re-sends the current document.
func (r *Relay) subscribe(ctx context.Context, conn *Connection, msg *protocol.Message, logger *slog.Logger) {
	conn.subMu.Lock()
	_, exists := conn.subs[msg.Path]
	conn.subMu.Unlock()
	if exists {
		doc, err := r.store.Get(ctx, msg.Path)
		if err != nil {
			r.fail(conn, msg, err)
			return
		}
		r.replyDocument(conn, msg.ID, doc)
		return
	}

	sub, err := r.store.Subscribe(ctx, msg.Path)
	if err != nil {
		r.fail(conn, msg, err)
		return
	}

	var first sharedstate.Document
	select {
	case doc, ok := <-sub.C():
		if !ok {
			r.fail(conn, msg, sharedstate.ErrClosed)
			return
		}
		first = doc
	case <-ctx.Done():
		sub.Close()
		return
	}

	conn.subMu.Lock()
	if conn.subs == nil {
		conn.subMu.Unlock()
		sub.Close()
		return
	}
	conn.subs[msg.Path] = sub
	conn.subMu.Unlock()

	r.replyDocument(conn, msg.ID, first)
	logger.Debug("subscribed", "path", msg.Path)

	go func() {
		for doc := range sub.C() {
			change, err := protocol.NewChangeMessage(doc.Data())
			if err != nil {
				continue
			}
			if err := r.reply(conn, change); err != nil {
				logger.Debug("change delivery failed", "path", doc.Path, "error", err)
				sub.Close()
				return
			}
		}
	}()
}

func (r *Relay) replyDocument(conn *Connection, id string, doc sharedstate.Document) {
	snap, err := protocol.NewSnapshotMessage(id, doc.Data())
	if err != nil {
		r.logger.Error("encode snapshot", "path", doc.Path, "error", err)
		return
	}
	r.reply(conn, snap)
}

func (r *Relay) fail(conn *Connection, msg *protocol.Message, err error) {
	r.logger.Debug("request failed", "type", msg.Type, "path", msg.Path, "error", err)
	r.reply(conn, mustError(msg.ID, msg.Path, err.Error()))
}

func (r *Relay) reply(conn *Connection, msg *protocol.Message) error {
	if msg == nil {
		return nil
	}
	r.messagesSent.Add(1)
	r.metrics.RelayMessage("out", string(msg.Type))
	return conn.Send(msg)
}

func mustError(id, path, message string) *protocol.Message {
	msg, err := protocol.NewErrorMessage(id, path, message)
	if err != nil {
		return nil
	}
	return msg
}

// ConnectionCount returns the number of connected participants.
func (r *Relay) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats contains relay statistics
type Stats struct {
	Connections      int    `json:"connections"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Writes           uint64 `json:"writes"`
}

// GetStats returns relay statistics
func (r *Relay) GetStats() Stats {
	return Stats{
		Connections:      r.ConnectionCount(),
		MessagesReceived: r.messagesReceived.Load(),
		MessagesSent:     r.messagesSent.Load(),
		Writes:           r.writes.Load(),
	}
}

// ConnectionInfo describes a connected participant
type ConnectionInfo struct {
	ID            string    `json:"id"`
	Participant   string    `json:"participant,omitempty"`
	Connected     time.Time `json:"connected"`
	LastSeen      time.Time `json:"last_seen"`
	Subscriptions int       `json:"subscriptions"`
}

// GetConnectionInfos returns info about all connected participants
func (r *Relay) GetConnectionInfos() []ConnectionInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		info := ConnectionInfo{
			ID:          c.ID,
			Participant: c.Participant,
			Connected:   c.Connected,
			LastSeen:    c.LastSeen,
		}
		c.mu.Unlock()
		c.subMu.Lock()
		info.Subscriptions = len(c.subs)
		c.subMu.Unlock()
		infos = append(infos, info)
	}
	return infos
}
