package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-classroom/internal/call"
	"github.com/sirupsen/logrus"
)

// Events streams the caller's call events as JSON text frames.
func Events(calls *call.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		m := calls.Get(userID)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Events",
				"error":    err.Error(),
			}).Warn("Failed to upgrade connection")
			return
		}

		events := make(chan call.Event, sendBuffer)
		unsubscribe := m.Bus().Subscribe(func(ev call.Event) {
			if ev.LocalID != "" && ev.LocalID != userID {
				return
			}
			select {
			case events <- ev:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "Events",
					"user_id":  userID,
					"type":     ev.Type,
				}).Warn("Event stream full, dropping event")
			}
		})

		closed := make(chan struct{})
		go func() {
			// Drain client frames so close and pong are processed
			defer close(closed)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		go func() {
			ticker := time.NewTicker(pingPeriod)
			defer func() {
				ticker.Stop()
				unsubscribe()
				conn.Close()
			}()

			// Current state first, so the UI needs no separate fetch
			snap := m.Snapshot()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(gin.H{"type": "snapshot", "snapshot": snap}); err != nil {
				return
			}

			for {
				select {
				case ev := <-events:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteJSON(ev); err != nil {
						return
					}
				case <-ticker.C:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				case <-closed:
					return
				}
			}
		}()
	}
}
