package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NeverVane/promptledger/internal/logger"
	"github.com/NeverVane/promptledger/internal/remote"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control frames
	maxMessageSize = 512

	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Devices are CLIs and native apps, not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans broadcast events out to every subscriber of an account topic
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]bool
	logger *logger.Logger
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[*subscriber]bool),
		logger: logger.GetLogger().Relay().WithField("transport", "websocket"),
	}
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[s.accountID] == nil {
		h.topics[s.accountID] = make(map[*subscriber]bool)
	}
	h.topics[s.accountID][s] = true
	h.logger.Debug().
		Str("account", logger.ShortID(s.accountID)).
		Str("origin", logger.ShortID(s.origin)).
		Msg("Subscriber connected")
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[s.accountID]
	if !ok || !subs[s] {
		return
	}
	delete(subs, s)
	close(s.send)
	if len(subs) == 0 {
		delete(h.topics, s.accountID)
	}
	h.logger.Debug().Str("account", logger.ShortID(s.accountID)).Msg("Subscriber disconnected")
}

// Publish sends msg to every subscriber of accountID and returns how many
// were reached. Slow subscribers whose buffer is full are dropped.
func (h *Hub) Publish(accountID string, msg remote.EventMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}

	h.mu.RLock()
	var stale []*subscriber
	delivered := 0
	for s := range h.topics[accountID] {
		select {
		case s.send <- data:
			delivered++
		default:
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.unregister(s)
	}
	return delivered
}

// CloseTopic disconnects every subscriber of accountID
func (h *Hub) CloseTopic(accountID string) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.topics[accountID]))
	for s := range h.topics[accountID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.unregister(s)
	}
}

// Subscribers returns how many subscribers accountID has
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[accountID])
}

// subscriber is a middleman between one websocket connection and the hub
type subscriber struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	accountID string
	origin    string
}

// serveSubscriber upgrades the request and registers the connection before
// acknowledging, so anything published after the ack reaches it.
func (h *Hub) serveSubscriber(w http.ResponseWriter, r *http.Request, accountID, origin string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s := &subscriber{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		accountID: accountID,
		origin:    origin,
	}
	// Queued before registering; the pumps start only once registered.
	ack, _ := json.Marshal(remote.EventMessage{Event: "subscribed"})
	s.send <- ack
	h.register(s)

	go s.writePump()
	go s.readPump()
}

// readPump only watches for close and pong frames
func (s *subscriber) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug().Err(err).Msg("Subscriber read error")
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
