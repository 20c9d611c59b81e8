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

// Topology streams agents:status to dashboards visualizing MAS topology.
// No per-client filtering: every connected client receives every update,
// grounded on topology_stream.py's broadcast-all TopologyStreamManager.
type Topology struct {
	hub    *pubsub.Hub
	logger *logrus.Logger

	mu           sync.Mutex
	clients      map[chan []byte]struct{}
	subscribed   bool
	subscription int
}

// NewTopology constructs a Topology router bound to hub.
func NewTopology(hub *pubsub.Hub, log *logrus.Logger) *Topology {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Topology{hub: hub, logger: log, clients: make(map[chan []byte]struct{})}
}

// ServeWS upgrades the request and runs the client until disconnect.
func (t *Topology) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.WithError(err).Error("topology stream: upgrade failed")
		return
	}

	send := make(chan []byte, sendBuffer)
	t.mu.Lock()
	t.clients[send] = struct{}{}
	count := len(t.clients)
	t.mu.Unlock()
	t.logger.WithField("client_count", count).Info("topology stream: client connected")

	t.ensureSubscribed()

	connected, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"message":   "Topology stream connected",
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

	t.disconnect(send)
}

func (t *Topology) disconnect(send chan []byte) {
	t.mu.Lock()
	delete(t.clients, send)
	remaining := len(t.clients)
	t.mu.Unlock()
	close(send)
	t.logger.WithField("client_count", remaining).Info("topology stream: client disconnected")

	if remaining == 0 {
		t.stopSubscription()
	}
}

func (t *Topology) ensureSubscribed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribed {
		return
	}
	id, err := t.hub.Subscribe(context.Background(), pubsub.ChannelAgentsStatus, t.onMessage)
	if err != nil {
		t.logger.WithError(err).Error("topology stream: subscribe failed")
		return
	}
	t.subscribed = true
	t.subscription = id
}

func (t *Topology) stopSubscription() {
	t.mu.Lock()
	if !t.subscribed {
		t.mu.Unlock()
		return
	}
	id := t.subscription
	t.subscribed = false
	t.mu.Unlock()

	_ = t.hub.Unsubscribe(context.Background(), pubsub.ChannelAgentsStatus, id)
}

func (t *Topology) onMessage(msg pubsub.Message) {
	envelope, err := json.Marshal(map[string]interface{}{
		"type":      "agent_status",
		"timestamp": msg.Timestamp,
		"source":    msg.Source,
		"data":      msg.Data,
	})
	if err != nil {
		return
	}

	t.mu.Lock()
	targets := make([]chan []byte, 0, len(t.clients))
	for c := range t.clients {
		targets = append(targets, c)
	}
	t.mu.Unlock()

	var dead []chan []byte
	for _, c := range targets {
		if !trySend(c, envelope) {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		t.mu.Lock()
		for _, c := range dead {
			delete(t.clients, c)
		}
		t.mu.Unlock()
	}
}

// Status reports the router's current connection/subscription state.
func (t *Topology) Status() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"active_connections":  len(t.clients),
		"subscription_active": t.subscribed,
		"channel":              pubsub.ChannelAgentsStatus,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
}
