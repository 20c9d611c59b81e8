package streamrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/pubsub"
)

// Scientific streams experiments:data to lab dashboards. Broadcast-all, no
// per-client filter, grounded on scientific_stream.py.
type Scientific struct {
	hub    *pubsub.Hub
	logger *logrus.Logger

	mu           sync.Mutex
	clients      map[chan []byte]struct{}
	subscribed   bool
	subscription int
}

// NewScientific constructs a Scientific router bound to hub.
func NewScientific(hub *pubsub.Hub, log *logrus.Logger) *Scientific {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scientific{hub: hub, logger: log, clients: make(map[chan []byte]struct{})}
}

// ServeWS upgrades the request and runs the client until disconnect.
func (s *Scientific) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("scientific stream: upgrade failed")
		return
	}

	send := make(chan []byte, sendBuffer)
	s.mu.Lock()
	s.clients[send] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.WithField("client_count", count).Info("scientific stream: client connected")

	s.ensureSubscribed()

	connected, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"message":   "Scientific stream connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	trySend(send, connected)

	go writePump(conn, send, false)
	readLoop(conn, func(msg []byte) bool {
		var req map[string]interface{}
		if err := json.Unmarshal(msg, &req); err != nil {
			return false
		}
		if req["type"] == "ping" {
			pong, _ := json.Marshal(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			trySend(send, pong)
		}
		return false
	})

	s.disconnect(send)
}

func (s *Scientific) disconnect(send chan []byte) {
	s.mu.Lock()
	delete(s.clients, send)
	remaining := len(s.clients)
	s.mu.Unlock()
	close(send)
	s.logger.WithField("client_count", remaining).Info("scientific stream: client disconnected")

	if remaining == 0 {
		s.stopSubscription()
	}
}

func (s *Scientific) ensureSubscribed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return
	}
	id, err := s.hub.Subscribe(context.Background(), pubsub.ChannelExperimentsData, s.onMessage)
	if err != nil {
		s.logger.WithError(err).Error("scientific stream: subscribe failed")
		return
	}
	s.subscribed = true
	s.subscription = id
}

func (s *Scientific) stopSubscription() {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return
	}
	id := s.subscription
	s.subscribed = false
	s.mu.Unlock()

	_ = s.hub.Unsubscribe(context.Background(), pubsub.ChannelExperimentsData, id)
}

func (s *Scientific) onMessage(msg pubsub.Message) {
	envelope, err := json.Marshal(map[string]interface{}{
		"type":      "experiment_data",
		"timestamp": msg.Timestamp,
		"source":    msg.Source,
		"data":      msg.Data,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	targets := make([]chan []byte, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	var dead []chan []byte
	for _, c := range targets {
		if !trySend(c, envelope) {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		s.mu.Lock()
		for _, c := range dead {
			delete(s.clients, c)
		}
		s.mu.Unlock()
	}
}

// Status reports the router's current connection/subscription state.
func (s *Scientific) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"active_connections":  len(s.clients),
		"subscription_active": s.subscribed,
		"channel":             pubsub.ChannelExperimentsData,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
}
