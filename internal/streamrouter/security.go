package streamrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/pubsub"
)

// Security event/severity taxonomy, per spec §4.5.
var (
	SecurityEventTypes = []string{"incident", "alert", "ids", "playbook", "agent_activity", "system", "threat", "scan"}
	SecuritySeverities = []string{"info", "low", "medium", "high", "critical"}
)

const securityEventQueueSize = 100
const securityReplayCount = 10

var securityChannels = []string{
	pubsub.ChannelSecurityIncidents,
	pubsub.ChannelSecurityAlerts,
	pubsub.ChannelSecurityIDS,
	pubsub.ChannelSecurityThreats,
}

type securityEvent struct {
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source"`
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
}

type securityClient struct {
	send chan []byte

	mu         sync.Mutex
	severities map[string]struct{} // nil = no filter
	eventTypes map[string]struct{} // nil = no filter
}

func (c *securityClient) matches(eventType, severity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.severities != nil {
		if _, ok := c.severities[severity]; !ok {
			return false
		}
	}
	if c.eventTypes != nil {
		if _, ok := c.eventTypes[eventType]; !ok {
			return false
		}
	}
	return true
}

// Security streams security:{incidents,alerts,ids,threats} to SOC
// dashboards with per-client severity/type filters and a short replay
// buffer of recent events on connect, grounded on security_stream.py.
type Security struct {
	hub    *pubsub.Hub
	logger *logrus.Logger

	mu           sync.Mutex
	clients      map[*securityClient]struct{}
	recent       []securityEvent
	subscribed   bool
	subscription []int
}

// NewSecurity constructs a Security router bound to hub.
func NewSecurity(hub *pubsub.Hub, log *logrus.Logger) *Security {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Security{hub: hub, logger: log, clients: make(map[*securityClient]struct{})}
}

func toFilterSet(csv string) map[string]struct{} {
	if csv == "" {
		return nil
	}
	set := make(map[string]struct{})
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			set[part] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// ServeWS upgrades the request, parsing `severities` and `types` CSV query
// params into the client's initial filter.
func (s *Security) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("security stream: upgrade failed")
		return
	}

	client := &securityClient{
		send:       make(chan []byte, sendBuffer),
		severities: toFilterSet(r.URL.Query().Get("severities")),
		eventTypes: toFilterSet(r.URL.Query().Get("types")),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	recent := make([]securityEvent, len(s.recent))
	copy(recent, s.recent)
	s.mu.Unlock()
	s.logger.WithField("client_count", count).Info("security stream: client connected")

	s.ensureSubscribed()

	connected, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"message":   "Security stream connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"filters": map[string]interface{}{
			"severities": client.severities,
			"event_types": client.eventTypes,
		},
		"subscribers": count,
	})
	trySend(client.send, connected)

	// Replay the most recent matching events, newest first, per spec §4.5.
	replay := recent
	if len(replay) > securityReplayCount {
		replay = replay[len(replay)-securityReplayCount:]
	}
	for i := len(replay) - 1; i >= 0; i-- {
		ev := replay[i]
		if client.matches(ev.EventType, ev.Severity) {
			payload, err := json.Marshal(ev)
			if err == nil {
				trySend(client.send, payload)
			}
		}
	}

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
		case "subscribe", "set_filter":
			var severities, types map[string]struct{}
			if raw, ok := req["severities"].([]interface{}); ok {
				severities = make(map[string]struct{})
				for _, v := range raw {
					if s, ok := v.(string); ok {
						severities[s] = struct{}{}
					}
				}
			}
			if raw, ok := req["types"].([]interface{}); ok {
				types = make(map[string]struct{})
				for _, v := range raw {
					if s, ok := v.(string); ok {
						types[s] = struct{}{}
					}
				}
			}
			client.mu.Lock()
			client.severities = severities
			client.eventTypes = types
			client.mu.Unlock()

			ack, _ := json.Marshal(map[string]interface{}{
				"type": "subscribed",
				"filters": map[string]interface{}{
					"severities":  severities,
					"event_types": types,
				},
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			trySend(client.send, ack)
		}
		return false
	})

	s.disconnect(client)
}

func (s *Security) disconnect(client *securityClient) {
	s.mu.Lock()
	delete(s.clients, client)
	remaining := len(s.clients)
	s.mu.Unlock()
	close(client.send)
	s.logger.WithField("client_count", remaining).Info("security stream: client disconnected")

	if remaining == 0 {
		s.stopSubscription()
	}
}

func (s *Security) ensureSubscribed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return
	}
	ids := make([]int, 0, len(securityChannels))
	for _, ch := range securityChannels {
		id, err := s.hub.Subscribe(context.Background(), ch, s.onMessage)
		if err != nil {
			s.logger.WithError(err).WithField("channel", ch).Error("security stream: subscribe failed")
			continue
		}
		ids = append(ids, id)
	}
	s.subscribed = true
	s.subscription = ids
}

func (s *Security) stopSubscription() {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = false
	s.mu.Unlock()

	for _, ch := range securityChannels {
		_ = s.hub.Unsubscribe(context.Background(), ch, 0)
	}
}

func (s *Security) onMessage(msg pubsub.Message) {
	eventType, _ := msg.Data["type"].(string)
	if eventType == "" {
		eventType = "security"
	}
	severity, _ := msg.Data["severity"].(string)
	if severity == "" {
		severity = "info"
	}
	title, _ := msg.Data["title"].(string)
	if title == "" {
		title = "Security Event"
	}
	message, _ := msg.Data["message"].(string)

	event := securityEvent{
		EventType: eventType,
		Timestamp: msg.Timestamp,
		Source:    msg.Source,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Data:      msg.Data,
	}

	s.mu.Lock()
	s.recent = append(s.recent, event)
	if len(s.recent) > securityEventQueueSize {
		s.recent = s.recent[len(s.recent)-securityEventQueueSize:]
	}
	targets := make([]*securityClient, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	var dead []*securityClient
	for _, c := range targets {
		if !c.matches(event.EventType, event.Severity) {
			continue
		}
		if !trySend(c.send, payload) {
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

// Status reports the router's current connection/subscription/replay state.
func (s *Security) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"active_connections":   len(s.clients),
		"subscription_active":  s.subscribed,
		"recent_events_count":  len(s.recent),
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
	}
}
