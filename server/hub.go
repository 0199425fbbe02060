package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"soundsync/core/coordinator"
	"soundsync/logger"
	"soundsync/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventType names the events pushed to websocket clients.
type EventType string

const (
	EventWorkingSet EventType = "working_set"
	EventProgress   EventType = "progress"
	EventDownload   EventType = "download"
	EventSync       EventType = "sync"
	EventPing       EventType = "ping"
	EventPong       EventType = "pong"
)

// Event is the websocket message envelope.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type progressData struct {
	ID       int64 `json:"id"`
	RemoteID int64 `json:"remoteId"`
	Percent  int   `json:"percent"`
}

type downloadData struct {
	Sound  model.Sound                `json:"sound"`
	Result coordinator.DownloadResult `json:"result"`
	Error  string                     `json:"error,omitempty"`
}

type syncData struct {
	Result coordinator.SyncResult `json:"result"`
	Error  string                 `json:"error,omitempty"`
}

// Client is one websocket subscriber.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// never closed; send is owned by the hub
	pong chan struct{}
}

// Hub fans coordinator events out to websocket clients. It implements
// coordinator.Observer.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
}

// NewHub creates a Hub. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info("websocket client registered", logger.String("client", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// removeClient must be called with h.mu held.
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	logger.Info("websocket client unregistered", logger.String("client", client.ID))
}

func (h *Hub) fanOut(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// slow consumer
			h.removeClient(client)
		}
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for every client. Events are dropped when the
// queue is full so observers never block the coordinator.
func (h *Hub) Publish(t EventType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		logger.Warn("failed to encode event", logger.String("type", string(t)), logger.ErrorField(err))
		return
	}
	msg, err := json.Marshal(Event{Type: t, Data: raw, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logger.Warn("event queue full, dropping event", logger.String("type", string(t)))
	}
}

func (h *Hub) OnWorkingSetChanged(sounds []model.Sound) {
	h.Publish(EventWorkingSet, sounds)
}

func (h *Hub) OnProgress(sound model.Sound, percent int) {
	h.Publish(EventProgress, progressData{ID: sound.ID, RemoteID: sound.RemoteID, Percent: percent})
}

func (h *Hub) OnDownloadOutcome(sound model.Sound, result coordinator.DownloadResult, err error) {
	d := downloadData{Sound: sound, Result: result}
	if err != nil {
		d.Error = err.Error()
	}
	h.Publish(EventDownload, d)
}

func (h *Hub) OnSyncOutcome(result coordinator.SyncResult, err error) {
	d := syncData{Result: result}
	if err != nil {
		d.Error = err.Error()
	}
	h.Publish(EventSync, d)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	client := &Client{ID: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, 64), pong: make(chan struct{}, 1)}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only handles pings and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.ErrorField(err), logger.String("client", c.ID))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil || ev.Type != EventPing {
			continue
		}
		select {
		case c.pong <- struct{}{}:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pong:
			pong, _ := json.Marshal(Event{Type: EventPong, Timestamp: time.Now().UnixMilli()})
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
