package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/capture"
	"github.com/loqalabs/loqa-voice/internal/coordinator"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub pushes voice events to connected UI clients and accepts the same
// commands as the bus. It implements coordinator.Sink and http.Handler.
type Hub struct {
	disp           *dispatcher
	publishInterim bool
	ctx            context.Context
	cancel         context.CancelFunc
	log            *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan protocol.Envelope
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(parent context.Context, ctrl Controller, publishInterim bool, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	logger := log.With(slog.String("component", "gateway-ws"))
	return &Hub{
		disp:           &dispatcher{ctrl: ctrl, ctx: ctx, log: logger},
		publishInterim: publishInterim,
		ctx:            ctx,
		cancel:         cancel,
		log:            logger,
		clients:        make(map[*client]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &client{conn: conn, send: make(chan protocol.Envelope, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("websocket client connected", slog.String("remote", conn.RemoteAddr().String()))

	if env, err := protocol.NewEnvelope(protocol.TypeStatus, "", h.disp.ctrl.Status()); err == nil {
		h.deliver(c, env)
	}
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", slogError(err))
			}
			return
		}
		reply := h.handle(env)
		if out, err := protocol.NewEnvelope(protocol.TypeReply, env.ID, reply); err == nil {
			h.deliver(c, out)
		}
	}
}

func (h *Hub) handle(env protocol.Envelope) protocol.Reply {
	if env.Type != protocol.TypeCommand {
		return protocol.Reply{Error: "unsupported message type " + env.Type}
	}
	var cmd protocol.Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return protocol.Reply{Error: "invalid command: " + err.Error()}
	}
	ctx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
	defer cancel()
	return h.disp.apply(ctx, cmd)
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				h.log.Warn("websocket write failed", slogError(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// deliver queues env for one client, dropping the client if it cannot keep up.
func (h *Hub) deliver(c *client, env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- env:
	default:
		h.log.Warn("dropping slow websocket client")
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) broadcast(typ string, payload any) {
	env, err := protocol.NewEnvelope(typ, "", payload)
	if err != nil {
		h.log.Warn("failed to encode websocket event", slogError(err))
		return
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.deliver(c, env)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// OnTranscript implements coordinator.Sink.
func (h *Hub) OnTranscript(t capture.Transcript) {
	if t.Text == "" || (!t.Final && !h.publishInterim) {
		return
	}
	h.broadcast(protocol.TypeTranscript, protocol.Transcript{
		Text:       t.Text,
		Partial:    !t.Final,
		Timestamp:  t.At.UTC(),
		Confidence: t.Confidence,
	})
}

// OnStatus implements coordinator.Sink.
func (h *Hub) OnStatus(st coordinator.Status) { h.broadcast(protocol.TypeStatus, st) }

// OnNotice implements coordinator.Sink.
func (h *Hub) OnNotice(n notify.Notice) {
	h.broadcast(protocol.TypeNotice, protocol.Notice{
		Kind:      string(n.Kind),
		Message:   n.Message,
		Timestamp: time.Now().UTC(),
	})
}

// Close disconnects every client and waits for background speech requests.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
	h.cancel()
	h.disp.wait()
}
