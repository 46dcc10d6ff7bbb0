package api

import (
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ernie/tapledger/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the feed is gated by the admin token instead
	},
}

// feedMessage is one encoded event on its way to subscribers
type feedMessage struct {
	eventType string
	accountID string
	data      []byte
}

// feedFilter narrows a client's subscription. Empty fields match everything.
type feedFilter struct {
	types     []string
	accountID string
}

func (f feedFilter) matches(m feedMessage) bool {
	if len(f.types) > 0 && !slices.Contains(f.types, m.eventType) {
		return false
	}
	return f.accountID == "" || f.accountID == m.accountID
}

// parseFeedFilter reads ?events=a,b and ?account=id
func parseFeedFilter(req *http.Request) (feedFilter, bool) {
	f := feedFilter{accountID: strings.TrimSpace(req.URL.Query().Get("account"))}
	for _, t := range strings.Split(req.URL.Query().Get("events"), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !slices.Contains(domain.EventTypes, t) {
			return f, false
		}
		f.types = append(f.types, t)
	}
	return f, true
}

// FeedClient is one operator connected to the live ledger feed
type FeedClient struct {
	hub        *FeedHub
	conn       *websocket.Conn
	send       chan []byte
	filter     feedFilter
	remoteAddr string
	username   string
}

// FeedHub fans ledger events out to connected operators
type FeedHub struct {
	clients    map[*FeedClient]bool
	broadcast  chan feedMessage
	register   chan *FeedClient
	unregister chan *FeedClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewFeedHub creates a hub; call Run to start it
func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:    make(map[*FeedClient]bool),
		broadcast:  make(chan feedMessage, feedBuffer),
		register:   make(chan *FeedClient),
		unregister: make(chan *FeedClient),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns after Stop.
func (h *FeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("Ledger feed client %s connected from %s (%d total)", client.username, client.remoteAddr, n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("Ledger feed client %s disconnected (%d total)", client.username, n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.filter.matches(msg) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer, drop it rather than stall the feed
					log.Printf("Ledger feed client %s fell behind, disconnecting", client.username)
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects every client and ends Run
func (h *FeedHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event for every matching client without blocking
func (h *FeedHub) Broadcast(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling %s event: %v", event.Type, err)
		return
	}

	select {
	case h.broadcast <- feedMessage{eventType: event.Type, accountID: event.AccountID, data: data}:
	default:
		log.Printf("Ledger feed backlog full, dropping %s event", event.Type)
	}
}

// ClientCount returns the number of connected clients
func (h *FeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades an admin connection to the live ledger feed.
// Browsers cannot set headers on WebSocket requests, so the JWT may come
// from the token query parameter.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	claims := r.validate(req.URL.Query().Get("token"))
	if claims == nil {
		claims = r.getAuthClaims(req)
	}
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !claims.IsAdmin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	filter, ok := parseFeedFilter(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown event type in events filter")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &FeedClient{
		hub:        r.feed,
		conn:       conn,
		send:       make(chan []byte, feedBuffer),
		filter:     filter,
		remoteAddr: getClientIP(req),
		username:   claims.Username,
	}

	select {
	case r.feed.register <- client:
	case <-r.feed.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only watches for close and pong frames; the feed is one-way
func (c *FeedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump sends queued events, newline-joined, and keeps the link alive
func (c *FeedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			for i := len(c.send); i > 0; i-- {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
