package streamrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/pubsub"
)

const entityQueueCapacity = 512

// Entity streams entities:<s2_cell> (or the entities:lifecycle/crep:live
// fallbacks when no cells are requested) to a single client, filtered by
// entity type and a time_from lower bound, framed as binary WebSocket
// messages. Grounded on entity_stream.py.
type Entity struct {
	hub    *pubsub.Hub
	logger *logrus.Logger
}

// NewEntity constructs an Entity router bound to hub.
func NewEntity(hub *pubsub.Hub, log *logrus.Logger) *Entity {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Entity{hub: hub, logger: log}
}

func parseCSV(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toEpochSeconds(value string) (float64, bool) {
	if value == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, false
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9, true
}

func passesEntityFilter(payload map[string]interface{}, allowedTypes map[string]struct{}, timeFrom float64, hasTimeFrom bool) bool {
	if len(allowedTypes) > 0 {
		entityType, _ := payload["type"].(string)
		if _, ok := allowedTypes[entityType]; !ok {
			return false
		}
	}

	if !hasTimeFrom {
		return true
	}

	var observedAt string
	if t, ok := payload["time"].(map[string]interface{}); ok {
		observedAt, _ = t["observed_at"].(string)
	}
	if observedAt == "" {
		return true // unparsable/absent: pass through, per spec §4.5
	}
	observed, ok := toEpochSeconds(observedAt)
	if !ok {
		return true
	}
	return observed >= timeFrom
}

// ServeWS upgrades the request, parsing `cells`, `types`, and `time_from`
// query parameters, and streams filtered entity payloads until disconnect.
func (e *Entity) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.WithError(err).Error("entity stream: upgrade failed")
		return
	}

	cellIDs := parseCSV(r.URL.Query().Get("cells"))
	allowedTypes := make(map[string]struct{})
	for _, t := range parseCSV(r.URL.Query().Get("types")) {
		allowedTypes[t] = struct{}{}
	}
	timeFrom, hasTimeFrom := toEpochSeconds(r.URL.Query().Get("time_from"))

	var channels []string
	if len(cellIDs) > 0 {
		for _, cell := range cellIDs {
			channels = append(channels, pubsub.EntityChannel(cell))
		}
	} else {
		channels = []string{pubsub.ChannelEntitiesLifecycle, pubsub.ChannelCREPLive}
	}

	// Bounded single-consumer queue: on overflow, drop the newest message
	// rather than block the hub listener or disconnect the client, per
	// spec §4.5/§4.8.
	queue := make(chan []byte, entityQueueCapacity)

	onMessage := func(msg pubsub.Message) {
		payload := msg.Data
		if entity, ok := payload["entity"].(map[string]interface{}); ok {
			payload = entity
		}
		if !passesEntityFilter(payload, allowedTypes, timeFrom, hasTimeFrom) {
			return
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return
		}
		select {
		case queue <- encoded:
		default:
			// queue full: drop the newest message, never block
		}
	}

	ctx := context.Background()
	subIDs := make([]int, 0, len(channels))
	for _, ch := range channels {
		id, err := e.hub.Subscribe(ctx, ch, onMessage)
		if err != nil {
			e.logger.WithError(err).WithField("channel", ch).Error("entity stream: subscribe failed")
			continue
		}
		subIDs = append(subIDs, id)
	}

	connected, _ := json.Marshal(map[string]interface{}{
		"type":        "connected",
		"channels":    channels,
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, connected)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, func(msg []byte) bool { return false })
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

loop:
	for {
		select {
		case payload := <-queue:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				break loop
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				break loop
			}
		case <-done:
			break loop
		}
	}

	for i, ch := range channels {
		if i < len(subIDs) {
			_ = e.hub.Unsubscribe(context.Background(), ch, subIDs[i])
		}
	}
	conn.Close()
}
