package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NeverVane/promptledger/internal/logger"
)

const (
	// Time allowed to wait for the relay's subscription acknowledgement
	handshakeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the relay
	pongWait = 60 * time.Second

	maxEventSize = 4096
)

// WSBroadcaster subscribes to relay events over a websocket and publishes
// through the relay REST API. Events that carry this device's origin are
// dropped.
type WSBroadcaster struct {
	client       *HTTPClient
	origin       string
	dialer       *websocket.Dialer
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *logger.Logger
}

// NewWSBroadcaster creates a broadcaster on top of an HTTP client
func NewWSBroadcaster(client *HTTPClient, origin string, reconnectMin, reconnectMax time.Duration) *WSBroadcaster {
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	if reconnectMax < reconnectMin {
		reconnectMax = reconnectMin
	}
	return &WSBroadcaster{
		client: client,
		origin: origin,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeWait,
		},
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		logger:       logger.GetLogger().Sync().WithField("transport", "websocket"),
	}
}

// Broadcast publishes a payload-free event
func (b *WSBroadcaster) Broadcast(ctx context.Context, accountID, event, accessToken string) error {
	if !ValidEvent(event) {
		return fmt.Errorf("%w: unknown event %q", ErrRejected, event)
	}
	return b.client.Publish(ctx, accountID, event, b.origin, accessToken)
}

// Subscribe connects to the account topic. The first connection is made
// before returning so a caller knows events published afterwards will be
// seen; if it fails the listener keeps retrying in the background with
// exponential backoff until Close or ctx is done.
func (b *WSBroadcaster) Subscribe(ctx context.Context, accountID string, handler func(event string)) (Subscription, error) {
	endpoint, err := b.eventsURL(accountID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &wsSubscription{cancel: cancel}

	conn, err := b.connect(ctx, endpoint)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Initial event subscription failed, retrying in background")
	}

	go b.listen(ctx, sub, endpoint, conn, handler)
	return sub, nil
}

func (b *WSBroadcaster) eventsURL(accountID string) (string, error) {
	u, err := url.Parse(b.client.BaseURL())
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/buckets/" + url.PathEscape(accountID) + "/events"
	q := u.Query()
	q.Set("origin", b.origin)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect dials and waits for the relay's acknowledgement
func (b *WSBroadcaster) connect(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	conn, resp, err := b.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: subscription refused", ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	conn.SetReadLimit(maxEventSize)
	conn.SetReadDeadline(time.Now().Add(handshakeWait))

	var ack EventMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Event != eventSubscribed {
		conn.Close()
		return nil, fmt.Errorf("%w: no subscription acknowledgement", ErrUnavailable)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	return conn, nil
}

func (b *WSBroadcaster) listen(ctx context.Context, sub *wsSubscription, endpoint string, conn *websocket.Conn, handler func(string)) {
	backoff := b.reconnectMin
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			conn, err = b.connect(ctx, endpoint)
			if err != nil {
				b.logger.Debug().Err(err).Dur("backoff", backoff).Msg("Event subscription reconnect failed")
				backoff *= 2
				if backoff > b.reconnectMax {
					backoff = b.reconnectMax
				}
				continue
			}
			b.logger.Debug().Msg("Event subscription reconnected")
			backoff = b.reconnectMin
		}

		if !sub.setConn(conn) {
			return
		}
		b.readLoop(ctx, conn, handler)
		sub.setConn(nil)
		conn.Close()
		conn = nil

		if ctx.Err() != nil {
			return
		}
	}
}

func (b *WSBroadcaster) readLoop(ctx context.Context, conn *websocket.Conn, handler func(string)) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug().Err(err).Msg("Event subscription dropped")
			}
			return
		}

		var msg EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Origin != "" && msg.Origin == b.origin {
			continue
		}
		if !ValidEvent(msg.Event) {
			continue
		}
		handler(msg.Event)
	}
}

type wsSubscription struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

// setConn records the live connection. It returns false, closing conn, when
// the subscription was closed in the meantime.
func (s *wsSubscription) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && conn != nil {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

// Close stops the listener. It does not wait for it, so a handler may close
// its own subscription.
func (s *wsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.conn.Close()
	}
	return nil
}
