package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/internal/txn"
	"github.com/moltbunker/rewardclaim/internal/util"
)

// Channels a client can subscribe to. Notifications go to every client.
const (
	ChannelTransitions = "transitions"
	ChannelState       = "state"
)

// Message types pushed to clients
const (
	MessageNotification = "notification"
	MessageTransition   = "transition"
	MessageState        = "state"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	hub        *WebSocketHub
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]bool
	mu         sync.RWMutex
}

// WebSocketHub fans claim notifications and phase transitions out to
// connected clients. It implements txn.Notifier.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan *WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mu         sync.RWMutex

	// pumps tracks client read/write goroutines
	pumps sync.WaitGroup
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan *WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
	}
}

// Run dispatches messages until ctx is done, then disconnects every client
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected",
				"total_clients", total,
				logging.Component("websocket"))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected",
				"total_clients", total,
				logging.Component("websocket"))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				logging.Warn("WebSocket message encode failed",
					logging.Err(err),
					logging.Component("websocket"))
				continue
			}
			h.deliver(msg.Channel, data)
		}
	}
}

func (h *WebSocketHub) deliver(channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if channel != "" && !client.isSubscribed(channel) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// slow consumer
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Broadcast sends a message to every client
func (h *WebSocketHub) Broadcast(eventType string, data any) {
	h.enqueue(&WebSocketMessage{Type: eventType, Data: data})
}

// BroadcastToChannel sends a message to clients subscribed to channel
func (h *WebSocketHub) BroadcastToChannel(channel, eventType string, data any) {
	h.enqueue(&WebSocketMessage{Type: eventType, Channel: channel, Data: data})
}

func (h *WebSocketHub) enqueue(msg *WebSocketMessage) {
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn("WebSocket broadcast buffer full",
			"type", msg.Type,
			"channel", msg.Channel,
			logging.Component("websocket"))
	}
}

// Notify implements txn.Notifier. It never blocks.
func (h *WebSocketHub) Notify(n txn.Notification) {
	h.Broadcast(MessageNotification, n)
}

// Observe forwards an executor phase transition to subscribers
func (h *WebSocketHub) Observe(t txn.Transition) {
	h.BroadcastToChannel(ChannelTransitions, MessageTransition, t)
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Wait blocks until every client pump has exited or ctx is done
func (h *WebSocketHub) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve registers conn and starts its pumps. initial, if set, is the
// first frame the client receives.
func (h *WebSocketHub) serve(conn *websocket.Conn, initial *WebSocketMessage) bool {
	client := &WebSocketClient{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, wsSendBuffer),
		subscribed: make(map[string]bool),
	}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			client.send <- data
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return false
	}

	h.pumps.Add(2)
	util.SafeGoWithName("ws-write", func() {
		defer h.pumps.Done()
		client.writePump()
	})
	util.SafeGoWithName("ws-read", func() {
		defer h.pumps.Done()
		client.readPump()
	})
	return true
}

func (c *WebSocketClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed[channel]
}

// readPump reads client requests until the connection fails
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error",
					logging.Err(err),
					logging.Component("websocket"))
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump writes queued messages and keepalive pings
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscription is the data of a subscribe/unsubscribe request
type subscription struct {
	Channels []string `json:"channels"`
}

func (c *WebSocketClient) handleMessage(msg *WebSocketMessage) {
	switch msg.Type {
	case "subscribe":
		c.updateSubscriptions(msg, true)
	case "unsubscribe":
		c.updateSubscriptions(msg, false)
	case "ping":
		c.sendMessage(&WebSocketMessage{Type: "pong"})
	}
}

func (c *WebSocketClient) updateSubscriptions(msg *WebSocketMessage, subscribe bool) {
	var req subscription
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	c.mu.Lock()
	for _, channel := range req.Channels {
		if subscribe {
			c.subscribed[channel] = true
		} else {
			delete(c.subscribed, channel)
		}
	}
	c.mu.Unlock()

	reply := "unsubscribed"
	if subscribe {
		reply = "subscribed"
	}
	c.sendMessage(&WebSocketMessage{
		Type: reply,
		Data: subscription{Channels: c.subscribedChannels()},
	})
}

// sendMessage queues a direct reply. It is dropped when the buffer is full.
func (c *WebSocketClient) sendMessage(msg *WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *WebSocketClient) subscribedChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]string, 0, len(c.subscribed))
	for ch := range c.subscribed {
		channels = append(channels, ch)
	}
	return channels
}

// handleWebSocket upgrades the request and attaches the client to the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			logging.Err(err),
			logging.Component("websocket"))
		return
	}

	var initial *WebSocketMessage
	if s.claims != nil {
		initial = &WebSocketMessage{Type: MessageState, Data: s.claims.State()}
	}
	s.wsHub.serve(conn, initial)
}
