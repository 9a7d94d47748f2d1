package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/protocol"
)

const writeWait = 10 * time.Second

// Remote is a Store backed by a relay WebSocket connection.
//
// Requests are correlated with replies by message id. Local subscriptions to
// the same path share one relay subscription.
type Remote struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	paths   map[string]*remotePath
	closed  bool
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

type remotePath struct {
	subscribeID string
	latest      *Document
	subs        map[*subscription]struct{}
}

// Dial connects to the relay at url, e.g. ws://host:8080/ws/state/<participant>.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	r := &Remote{
		conn:    conn,
		logger:  log.Component(logger, "sharedstate"),
		pending: make(map[string]chan *protocol.Message),
		paths:   make(map[string]*remotePath),
		done:    make(chan struct{}),
	}
	go r.readLoop()

	r.logger.Info("connected to relay", "url", url)
	return r, nil
}

// Done is closed when the relay connection ends.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

// Err returns the reason the connection ended, or nil while it is open.
func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Get reads a document once.
func (r *Remote) Get(ctx context.Context, path string) (Document, error) {
	if path == "" {
		return Document{}, ErrInvalidPath
	}
	msg, err := protocol.NewRequest(protocol.TypeGet, uuid.NewString(), path, nil)
	if err != nil {
		return Document{}, err
	}
	reply, err := r.roundTrip(ctx, msg)
	if err != nil {
		return Document{}, err
	}
	data, err := reply.GetDocumentData()
	if err != nil {
		return Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return FromData(*data), nil
}

// Set replaces a document.
func (r *Remote) Set(ctx context.Context, path string, fields map[string]json.RawMessage) (uint64, error) {
	return r.write(ctx, protocol.TypeSet, path, fields)
}

// Update upserts fields of a document.
func (r *Remote) Update(ctx context.Context, path string, fields map[string]json.RawMessage) (uint64, error) {
	return r.write(ctx, protocol.TypeUpdate, path, fields)
}

func (r *Remote) write(ctx context.Context, msgType protocol.MessageType, path string, fields map[string]json.RawMessage) (uint64, error) {
	if path == "" {
		return 0, ErrInvalidPath
	}
	msg, err := protocol.NewWriteMessage(msgType, uuid.NewString(), path, fields)
	if err != nil {
		return 0, err
	}
	reply, err := r.roundTrip(ctx, msg)
	if err != nil {
		return 0, err
	}
	ack, err := reply.GetAckData()
	if err != nil {
		return 0, fmt.Errorf("decode ack: %w", err)
	}
	return ack.Version, nil
}

// Subscribe follows a document through the relay.
func (r *Remote) Subscribe(ctx context.Context, path string) (Subscription, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(path)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if p, ok := r.paths[path]; ok {
		p.subs[sub] = struct{}{}
		if p.latest != nil {
			sub.deliver(*p.latest)
		}
		r.mu.Unlock()
		sub.bind(ctx, func() { r.release(sub) })
		return sub, nil
	}

	id := uuid.NewString()
	r.paths[path] = &remotePath{
		subscribeID: id,
		subs:        map[*subscription]struct{}{sub: {}},
	}
	r.mu.Unlock()

	msg, err := protocol.NewRequest(protocol.TypeSubscribe, id, path, nil)
	if err == nil {
		_, err = r.roundTrip(ctx, msg)
	}
	if err != nil {
		r.dropPath(path, id)
		return nil, err
	}

	sub.bind(ctx, func() { r.release(sub) })
	return sub, nil
}

// Ping measures the round trip to the relay.
func (r *Remote) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	msg, err := protocol.NewMessage(protocol.TypePing, nil)
	if err != nil {
		return 0, err
	}
	msg.ID = uuid.NewString()
	if _, err := r.roundTrip(ctx, msg); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close closes the relay connection and ends every subscription.
func (r *Remote) Close() error {
	r.writeMu.Lock()
	r.conn.SetWriteDeadline(time.Now().Add(time.Second))
	r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()

	err := r.conn.Close()
	r.shutdown(ErrClosed)
	return err
}

func (r *Remote) roundTrip(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.pending[msg.ID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, msg.ID)
		r.mu.Unlock()
	}()

	if err := r.send(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			data, _ := reply.GetErrorData()
			if data == nil {
				data = &protocol.ErrorData{Message: "unknown error"}
			}
			return nil, fmt.Errorf("%w: %s %s: %s", ErrRemote, msg.Type, msg.Path, data.Message)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
}

func (r *Remote) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (r *Remote) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.shutdown(err)
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			r.logger.Warn("dropping malformed relay message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeChange, protocol.TypeSnapshot:
			r.route(msg)
		}
		if msg.IsReply() {
			r.resolve(msg)
		}
	}
}

// route fans a change, or the snapshot answering a path's subscribe request,
// out to the local subscribers of that path.
func (r *Remote) route(msg *protocol.Message) {
	data, err := msg.GetDocumentData()
	if err != nil {
		r.logger.Warn("dropping undecodable document", "path", msg.Path, "error", err)
		return
	}
	doc := FromData(*data)

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.paths[doc.Path]
	if !ok {
		return
	}
	if msg.Type == protocol.TypeSnapshot && msg.ID != p.subscribeID {
		return
	}
	if p.latest != nil && doc.Version < p.latest.Version {
		return
	}
	p.latest = &doc
	for sub := range p.subs {
		sub.deliver(doc)
	}
}

func (r *Remote) resolve(msg *protocol.Message) {
	r.mu.Lock()
	ch, ok := r.pending[msg.ID]
	r.mu.Unlock()

	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (r *Remote) release(sub *subscription) {
	r.mu.Lock()
	p, ok := r.paths[sub.path]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(p.subs, sub)
	if len(p.subs) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.paths, sub.path)
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return
	}
	msg, err := protocol.NewRequest(protocol.TypeUnsubscribe, uuid.NewString(), sub.path, nil)
	if err != nil {
		return
	}
	if err := r.send(msg); err != nil {
		r.logger.Debug("unsubscribe failed", "path", sub.path, "error", err)
	}
}

func (r *Remote) dropPath(path, subscribeID string) {
	r.mu.Lock()
	p, ok := r.paths[path]
	if !ok || p.subscribeID != subscribeID {
		r.mu.Unlock()
		return
	}
	delete(r.paths, path)
	subs := make([]*subscription, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (r *Remote) shutdown(cause error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.err = cause
		var subs []*subscription
		for _, p := range r.paths {
			for sub := range p.subs {
				subs = append(subs, sub)
			}
		}
		r.paths = make(map[string]*remotePath)
		r.mu.Unlock()

		close(r.done)
		for _, sub := range subs {
			sub.Close()
		}

		if !errors.Is(cause, ErrClosed) {
			r.logger.Warn("relay connection lost", "error", cause)
		}
	})
}
