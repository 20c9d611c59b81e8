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

// crepClient is one connected CREP dashboard: its send channel plus an
// optional category filter the client can update via set_filter.
type crepClient struct {
	send     chan []byte
	mu       sync.Mutex
	category string // empty = no filter
}

// CREP streams crep:live (aviation/maritime/satellite/weather) optionally
// filtered per-client by category, grounded on crep_stream.py.
type CREP struct {
	hub    *pubsub.Hub
	logger *logrus.Logger

	mu           sync.Mutex
	clients      map[*crepClient]struct{}
	subscribed   bool
	subscription int
}

// NewCREP constructs a CREP router bound to hub.
func NewCREP(hub *pubsub.Hub, log *logrus.Logger) *CREP {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CREP{hub: hub, logger: log, clients: make(map[*crepClient]struct{})}
}

// ServeWS upgrades the request, honoring an optional initial `category`
// query parameter, and runs the client until disconnect.
func (c *CREP) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WithError(err).Error("crep stream: upgrade failed")
		return
	}

	client := &crepClient{
		send:     make(chan []byte, sendBuffer),
		category: r.URL.Query().Get("category"),
	}

	c.mu.Lock()
	c.clients[client] = struct{}{}
	count := len(c.clients)
	c.mu.Unlock()
	c.logger.WithField("client_count", count).Info("crep stream: client connected")

	c.ensureSubscribed()

	connected, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"message":   "CREP stream connected",
		"filter":    client.category,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	trySend(client.send, connected)

	go writePump(conn, client.send, false)
	readLoop(conn, func(msg []byte) bool {
		var req map[string]interface{}
		if err := json.Unmarshal(msg, &req); err != nil {
			return false
		}
		switch req["type"] {
		case "ping":
			pong, _ := json.Marshal(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			trySend(client.send, pong)
		case "set_filter":
			category, _ := req["category"].(string)
			client.mu.Lock()
			client.category = category
			client.mu.Unlock()
			ack, _ := json.Marshal(map[string]interface{}{
				"type":      "filter_updated",
				"category":  category,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			trySend(client.send, ack)
		}
		return false
	})

	c.disconnect(client)
}

func (c *CREP) disconnect(client *crepClient) {
	c.mu.Lock()
	delete(c.clients, client)
	remaining := len(c.clients)
	c.mu.Unlock()
	close(client.send)
	c.logger.WithField("client_count", remaining).Info("crep stream: client disconnected")

	if remaining == 0 {
		c.stopSubscription()
	}
}

func (c *CREP) ensureSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return
	}
	id, err := c.hub.Subscribe(context.Background(), pubsub.ChannelCREPLive, c.onMessage)
	if err != nil {
		c.logger.WithError(err).Error("crep stream: subscribe failed")
		return
	}
	c.subscribed = true
	c.subscription = id
}

func (c *CREP) stopSubscription() {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return
	}
	id := c.subscription
	c.subscribed = false
	c.mu.Unlock()

	_ = c.hub.Unsubscribe(context.Background(), pubsub.ChannelCREPLive, id)
}

func (c *CREP) onMessage(msg pubsub.Message) {
	category, _ := msg.Data["category"].(string)

	envelope, err := json.Marshal(map[string]interface{}{
		"type":      "crep_update",
		"timestamp": msg.Timestamp,
		"source":    msg.Source,
		"category":  category,
		"data":      msg.Data,
	})
	if err != nil {
		return
	}

	c.mu.Lock()
	targets := make([]*crepClient, 0, len(c.clients))
	for cl := range c.clients {
		targets = append(targets, cl)
	}
	c.mu.Unlock()

	var dead []*crepClient
	for _, cl := range targets {
		cl.mu.Lock()
		filter := cl.category
		cl.mu.Unlock()
		if filter != "" && filter != category {
			continue
		}
		if !trySend(cl.send, envelope) {
			dead = append(dead, cl)
		}
	}
	if len(dead) > 0 {
		c.mu.Lock()
		for _, cl := range dead {
			delete(c.clients, cl)
		}
		c.mu.Unlock()
	}
}

// Status reports the router's current connection/subscription state.
func (c *CREP) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"active_connections":  len(c.clients),
		"subscription_active": c.subscribed,
		"channel":             pubsub.ChannelCREPLive,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
}
