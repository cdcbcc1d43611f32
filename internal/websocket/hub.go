package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lurkbot/internal/middleware"
	"lurkbot/internal/services"
)

const (
	writeWait = 10 * time.Second
	// Events queued per client before it is dropped as too slow.
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, sendBuffer)}
}

// enqueue never blocks. A client whose queue is full is closed and false is
// returned.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump is the only writer on conn.
func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
}

// Hub relays loop events from Redis pub/sub to operator WebSocket clients.
// One subscription per chat channel is held while anyone is watching it.
type Hub struct {
	mu             sync.RWMutex
	connections    map[string][]*client
	cancelFuncs    map[string]context.CancelFunc
	redisClient    *redis.Client
	auth           *middleware.OperatorAuth
	defaultChannel string
	logger         *zap.Logger
}

func NewHub(redisClient *redis.Client, auth *middleware.OperatorAuth, defaultChannel string, logger *zap.Logger) *Hub {
	return &Hub{
		connections:    make(map[string][]*client),
		cancelFuncs:    make(map[string]context.CancelFunc),
		redisClient:    redisClient,
		auth:           auth,
		defaultChannel: defaultChannel,
		logger:         logger,
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.auth.Enabled() {
		if _, err := h.auth.Verify(middleware.BearerToken(r)); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		channelID = h.defaultChannel
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn)
	h.register(channelID, c)
	go c.writePump()

	// Reads only detect the disconnect.
	go func() {
		defer h.unregister(channelID, c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(channelID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[channelID] = append(h.connections[channelID], c)

	if len(h.connections[channelID]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[channelID] = cancel
		go h.subscribe(ctx, channelID)
	}

	h.logger.Info("WebSocket connected",
		zap.String("channel_id", channelID),
		zap.Int("watchers", len(h.connections[channelID])))
}

func (h *Hub) unregister(channelID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.close()
	c.conn.Close()

	conns := h.connections[channelID]
	for i, existing := range conns {
		if existing == c {
			h.connections[channelID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[channelID]) == 0 {
		delete(h.connections, channelID)
		if cancel, ok := h.cancelFuncs[channelID]; ok {
			cancel()
			delete(h.cancelFuncs, channelID)
		}
	}

	h.logger.Info("WebSocket disconnected", zap.String("channel_id", channelID))
}

func (h *Hub) subscribe(ctx context.Context, channelID string) {
	pubsub := h.redisClient.Subscribe(ctx, services.EventChannel(channelID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(channelID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(channelID string, data []byte) {
	h.mu.RLock()
	conns := append([]*client(nil), h.connections[channelID]...)
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(data) {
			h.logger.Warn("Dropping slow WebSocket client", zap.String("channel_id", channelID))
		}
	}
}

// Watchers returns how many clients follow channelID.
func (h *Hub) Watchers(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[channelID])
}

// Shutdown closes every client and stops all subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channelID, conns := range h.connections {
		for _, c := range conns {
			c.close()
		}
		if cancel, ok := h.cancelFuncs[channelID]; ok {
			cancel()
		}
	}
	h.connections = make(map[string][]*client)
	h.cancelFuncs = make(map[string]context.CancelFunc)
}
