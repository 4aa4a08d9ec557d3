package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Config holds the peer connection settings of a participant.
type Config struct {
	ICEServers          []string
	CandidateQueueLimit int
	PLIInterval         time.Duration
}

// NewAPI builds the pion API shared by every connection of the process:
// default codecs and interceptors plus periodic keyframe requests.
func NewAPI(cfg Config, loggerFactory logging.LoggerFactory) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	if cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
		}
		registry.Add(pli)
	}

	settings := webrtc.SettingEngine{}
	if loggerFactory != nil {
		settings.LoggerFactory = loggerFactory
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewAPI",
		"ice_servers":  len(cfg.ICEServers),
		"pli_interval": cfg.PLIInterval,
	}).Info("WebRTC API initialized")

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// Configuration returns the pion configuration for cfg.
func Configuration(cfg Config) webrtc.Configuration {
	var c webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return c
}
