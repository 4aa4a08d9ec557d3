package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// WebSocketTransport reaches a lesson channel through the relay endpoint
// (/ws/signal/:classId). One connection is held per subscribed class and
// Publish writes on it.
type WebSocketTransport struct {
	baseURL string
	peerID  string
	header  http.Header
	dialer  *websocket.Dialer

	mu    sync.Mutex
	conns map[string]*wsSubscription
}

// NewWebSocketTransport returns a transport dialing baseURL, e.g.
// ws://host:8080/ws/signal. header is sent on every handshake (an
// Authorization bearer token, typically).
func NewWebSocketTransport(baseURL, peerID string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		peerID:  peerID,
		header:  header,
		dialer:  websocket.DefaultDialer,
		conns:   make(map[string]*wsSubscription),
	}
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, classID string) (Subscription, error) {
	endpoint := fmt.Sprintf("%s/%s?peerId=%s", t.baseURL, url.PathEscape(classID), url.QueryEscape(t.peerID))
	conn, _, err := t.dialer.DialContext(ctx, endpoint, t.header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	sub := &wsSubscription{
		transport: t,
		classID:   classID,
		conn:      conn,
		out:       make(chan []byte, subscriptionBuffer),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if old := t.conns[classID]; old != nil {
		defer old.Close()
	}
	t.conns[classID] = sub
	t.mu.Unlock()

	go sub.readPump()
	return sub, nil
}

func (t *WebSocketTransport) Publish(ctx context.Context, classID string, data []byte) error {
	t.mu.Lock()
	sub := t.conns[classID]
	t.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("publish to %s: %w", classID, ErrNotSubscribed)
	}
	return sub.write(ctx, data)
}

type wsSubscription struct {
	transport *WebSocketTransport
	classID   string
	conn      *websocket.Conn
	out       chan []byte
	done      chan struct{}
	once      sync.Once
	writeMu   sync.Mutex
}

func (s *wsSubscription) readPump() {
	defer close(s.out)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "wsSubscription.readPump",
					"class_id": s.classID,
					"error":    err.Error(),
				}).Warn("Relay connection lost")
			}
			return
		}
		select {
		case s.out <- message:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

func (s *wsSubscription) Messages() <-chan []byte { return s.out }

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)

		s.transport.mu.Lock()
		if s.transport.conns[s.classID] == s {
			delete(s.transport.conns, s.classID)
		}
		s.transport.mu.Unlock()

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
