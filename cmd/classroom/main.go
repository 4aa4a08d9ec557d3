package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-classroom/config"
	"github.com/mossy-p/webrtc-classroom/internal/call"
	"github.com/mossy-p/webrtc-classroom/internal/handlers"
	"github.com/mossy-p/webrtc-classroom/internal/lessons"
	"github.com/mossy-p/webrtc-classroom/internal/logging"
	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/mossy-p/webrtc-classroom/internal/middleware"
	"github.com/mossy-p/webrtc-classroom/internal/peer"
	"github.com/mossy-p/webrtc-classroom/internal/redis"
	"github.com/mossy-p/webrtc-classroom/internal/signaling"
	"github.com/mossy-p/webrtc-classroom/internal/whiteboard"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	if err := logging.Setup(cfg.Log); err != nil {
		logrus.Fatalf("Invalid logging configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logrus.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer client.Close()

	peerCfg := peer.Config{
		ICEServers:          cfg.WebRTC.ICEServers,
		CandidateQueueLimit: cfg.WebRTC.CandidateQueueLimit,
		PLIInterval:         cfg.WebRTC.PLIInterval,
	}
	api, err := peer.NewAPI(peerCfg, logging.NewPionFactory(nil))
	if err != nil {
		logrus.Fatalf("Failed to initialize WebRTC: %v", err)
	}

	store := lessons.NewStore(client)
	boards := whiteboard.NewBoards(cfg.Whiteboard.Width, cfg.Whiteboard.Height)

	var relay signaling.Transport
	switch cfg.Signaling.Transport {
	case "redis":
		relay = signaling.NewRedisTransport(client)
	case "websocket", "memory":
		hub := signaling.NewMemoryHub()
		defer hub.Close()
		relay = hub
	default:
		logrus.Fatalf("Unknown signaling transport %q", cfg.Signaling.Transport)
	}

	calls := call.NewRegistry(newMachineFactory(cfg, api, peer.Configuration(peerCfg), relay, store, boards))

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handlers.Register(router, handlers.Deps{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Lessons:        store,
		Calls:          calls,
		Boards:         boards,
		Relay:          relay,
		Constraints:    media.DefaultConstraints,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		logrus.WithFields(logrus.Fields{
			"function":  "main",
			"port":      cfg.Port,
			"transport": cfg.Signaling.Transport,
		}).Info("Starting classroom server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	calls.EndAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Server shutdown incomplete")
	}
}

// newMachineFactory builds the call machine of each user on first use.
// relay is the shared transport; with the websocket transport every user
// dials the remote relay on their own connection instead.
func newMachineFactory(cfg *config.Config, api *webrtc.API, rtcCfg webrtc.Configuration,
	relay signaling.Transport, store *lessons.Store, boards *whiteboard.Boards) func(string) *call.Machine {
	return func(userID string) *call.Machine {
		transport := relay
		if cfg.Signaling.Transport == "websocket" {
			transport = newRelayClient(cfg, userID)
		}

		capturer := media.NewSampleCapturer()
		return call.NewMachine(call.Deps{
			Acquirer: media.NewAcquirer(capturer, cfg.Call.Origin),
			Capturer: capturer,
			NewSignaler: func(localID string, onLost func(error)) call.Signaler {
				return signaling.NewChannel(transport, localID,
					signaling.WithMaxRetries(cfg.Signaling.MaxRetries),
					signaling.WithErrorHandler(onLost))
			},
			NewPeer: func(id call.Identity, sender peer.Sender) (call.Peer, error) {
				return peer.NewManager(api, rtcCfg, peer.Options{
					LocalID:    id.LocalID,
					RemoteID:   id.RemoteID,
					ClassID:    id.ClassID,
					Sender:     sender,
					QueueLimit: cfg.WebRTC.CandidateQueueLimit,
				}), nil
			},
			Completions: store,
			Hooks:       []call.Hook{exportBoardOnEnd(boards, cfg.Whiteboard.ExportDir)},
		})
	}
}

func newRelayClient(cfg *config.Config, userID string) signaling.Transport {
	header := http.Header{}
	token, err := middleware.NewToken(cfg.JWTSecret, userID, time.Now())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "newRelayClient",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Dialing relay without a token")
	} else {
		header.Set("Authorization", "Bearer "+token)
	}
	return signaling.NewWebSocketTransport(cfg.Signaling.URL, userID, header)
}

// exportBoardOnEnd saves the participant's whiteboard when a call ends,
// if anything was drawn on it.
func exportBoardOnEnd(boards *whiteboard.Boards, dir string) call.Hook {
	return func(id call.Identity) func(bool) {
		return func(ended bool) {
			if !ended {
				return
			}
			board := boards.Get(id.LocalID)
			if !board.CanUndo() {
				return
			}
			path := filepath.Join(dir, fmt.Sprintf("lesson-%s-%s.png", id.ClassID, id.LocalID))
			if err := board.ExportFile(path); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "exportBoardOnEnd",
					"class_id": id.ClassID,
					"error":    err.Error(),
				}).Warn("Whiteboard export failed")
			}
		}
	}
}
