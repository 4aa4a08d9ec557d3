package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/mossy-p/webrtc-classroom/internal/signaling"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// relayClient is one browser or daemon attached to a lesson channel.
type relayClient struct {
	peerID  string
	classID string
	conn    *websocket.Conn
	sub     signaling.Subscription
	relay   signaling.Transport
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// Relay bridges a WebSocket into the lesson channel, so participants
// without direct access to the transport can signal through the daemon.
// Messages are stamped with the caller as sender; the caller receives
// everything on the channel addressed to it, except its own messages.
func Relay(store LessonStore, relay signaling.Transport) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		peerID := c.DefaultQuery("peerId", userID)
		if peerID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "peerId must match the authenticated user"})
			return
		}

		lesson, err := store.Get(c.Request.Context(), c.Param("classId"))
		if err != nil {
			lessonError(c, "Relay", err)
			return
		}
		if _, _, ok := lesson.Participant(userID); !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this lesson"})
			return
		}

		sub, err := relay.Subscribe(c.Request.Context(), lesson.ID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Relay",
				"class_id": lesson.ID,
				"error":    err.Error(),
			}).Error("Failed to join lesson channel")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling unavailable"})
			return
		}

		// Upgrade HTTP connection to WebSocket
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			sub.Close()
			logrus.WithFields(logrus.Fields{
				"function": "Relay",
				"error":    err.Error(),
			}).Warn("Failed to upgrade connection")
			return
		}

		client := &relayClient{
			peerID:  peerID,
			classID: lesson.ID,
			conn:    conn,
			sub:     sub,
			relay:   relay,
			send:    make(chan []byte, sendBuffer),
			done:    make(chan struct{}),
		}

		logrus.WithFields(logrus.Fields{
			"function": "Relay",
			"peer_id":  peerID,
			"class_id": lesson.ID,
			"code":     lesson.Code,
		}).Info("Peer joined lesson relay")

		go client.forward()
		go client.writePump()
		go client.readPump()
	}
}

func (rc *relayClient) close() {
	rc.once.Do(func() {
		close(rc.done)
		rc.sub.Close()
		rc.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "relayClient.close",
			"peer_id":  rc.peerID,
			"class_id": rc.classID,
		}).Info("Peer left lesson relay")
	})
}

// forward copies channel traffic meant for this peer into send.
func (rc *relayClient) forward() {
	defer rc.close()
	for data := range rc.sub.Messages() {
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.From == rc.peerID || (msg.To != "" && msg.To != rc.peerID) {
			continue
		}
		select {
		case rc.send <- data:
		case <-rc.done:
			return
		default:
			logrus.WithFields(logrus.Fields{
				"function": "relayClient.forward",
				"peer_id":  rc.peerID,
			}).Warn("Failed to send message to peer, buffer full")
		}
	}
}

func (rc *relayClient) readPump() {
	defer rc.close()

	rc.conn.SetReadDeadline(time.Now().Add(pongWait))
	rc.conn.SetPongHandler(func(string) error {
		rc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "relayClient.readPump",
					"peer_id":  rc.peerID,
					"error":    err.Error(),
				}).Warn("WebSocket error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "relayClient.readPump",
				"peer_id":  rc.peerID,
				"error":    err.Error(),
			}).Debug("Failed to parse message")
			continue
		}

		// Set the sender
		msg.From = rc.peerID
		msg.ClassID = rc.classID
		if err := msg.Validate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "relayClient.readPump",
				"peer_id":  rc.peerID,
				"type":     msg.Type,
				"error":    err.Error(),
			}).Debug("Dropping invalid message")
			continue
		}

		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = rc.relay.Publish(ctx, rc.classID, data)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "relayClient.readPump",
				"class_id": rc.classID,
				"error":    err.Error(),
			}).Warn("Failed to publish message")
		}
	}
}

func (rc *relayClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		rc.close()
	}()

	for {
		select {
		case message := <-rc.send:
			rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-rc.done:
			rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			rc.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
