// Package pubsub implements the real-time broker client described in the
// spec's §4.4: a reconnecting Redis pub/sub hub with per-channel
// multi-subscriber fan-out and a well-known channel taxonomy.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Well-known channels, per spec §3/§6.
const (
	ChannelDevicesTelemetry  = "devices:telemetry"
	ChannelAgentsStatus      = "agents:status"
	ChannelExperimentsData   = "experiments:data"
	ChannelCREPLive          = "crep:live"
	ChannelMemoryUpdates     = "memory:updates"
	ChannelWebsocketBcast    = "websocket:broadcast"
	ChannelSystemAlerts      = "system:alerts"
	ChannelEntitiesLifecycle = "entities:lifecycle"
	ChannelSecurityIncidents = "security:incidents"
	ChannelSecurityAlerts    = "security:alerts"
	ChannelSecurityIDS       = "security:ids"
	ChannelSecurityThreats   = "security:threats"
)

// EntityChannel returns the dynamic per-s2-cell channel name.
func EntityChannel(s2Cell string) string {
	return "entities:" + s2Cell
}

// Message is the envelope published and received on every channel.
type Message struct {
	Channel   string                 `json:"channel"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
	MessageID string                 `json:"message_id,omitempty"`
}

// Callback is invoked once per received message on a subscribed channel. A
// panic or error inside a callback must never stop the listener nor affect
// sibling callbacks (spec §4.4 "callback dispatch").
type Callback func(Message)

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultHealthCheckPeriod = 30 * time.Second
	defaultMaxReconnect      = 5
	defaultReconnectDelay    = 2 * time.Second
)

// Hub wraps a Redis-compatible broker connection with reconnect-safe
// subscription bookkeeping. The zero value is not usable; construct with
// New.
type Hub struct {
	logger *logrus.Logger

	opts *redis.UniversalOptions
	addr string // kept for log messages only

	maxReconnectAttempts int
	reconnectDelay       time.Duration

	mu            sync.Mutex
	client        redis.UniversalClient
	pubsub        *redis.PubSub
	subscriptions map[string]map[int]Callback
	nextCBID      int
	connected     bool
	reconnecting  bool
	shutdown      bool

	listenerDone chan struct{}

	statsMu            sync.Mutex
	messagesPublished  int64
	messagesReceived   int64
	connectionErrors   int64
	lastError          string
}

// New constructs a Hub from an already-built go-redis UniversalOptions
// (see pkg/redis.Config / NewUniversalClient for topology selection). The
// client itself is created lazily by Connect so reconnection can rebuild it
// from scratch, matching the reference client's behavior of discarding and
// recreating its connection on every reconnect attempt.
func New(log *logrus.Logger, opts *redis.UniversalOptions) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		logger:               log,
		opts:                 opts,
		maxReconnectAttempts: defaultMaxReconnect,
		reconnectDelay:       defaultReconnectDelay,
		subscriptions:        make(map[string]map[int]Callback),
	}
}

// Connect opens the broker connection and spawns the background listener.
// Idempotent: calling Connect while already connected is a no-op.
func (h *Hub) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.connected {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	return h.connect(ctx, true)
}

// connect (re)builds the broker client and primary pub/sub connection.
// spawnListener is false when called from the reconnect loop, which reuses
// the already-running listen() goroutine rather than starting a second one
// against the same subscription set.
func (h *Hub) connect(ctx context.Context, spawnListener bool) error {
	opts := *h.opts
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultConnectTimeout
	}

	client := redis.NewUniversalClient(&opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		h.recordError(err)
		return fmt.Errorf("connect to broker: %w", err)
	}

	h.mu.Lock()
	h.client = client
	h.pubsub = client.Subscribe(context.Background())
	h.connected = true
	h.shutdown = false
	h.listenerDone = make(chan struct{})
	pubsub := h.pubsub
	done := h.listenerDone
	h.mu.Unlock()

	h.logger.Info("connected to pub/sub broker")

	if spawnListener {
		go h.listen(pubsub, done)
	}
	return nil
}

// Disconnect stops the listener and closes the connection. Idempotent.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	if !h.connected && !h.reconnecting {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	pubsub := h.pubsub
	client := h.client
	h.connected = false
	h.mu.Unlock()

	if pubsub != nil {
		_ = pubsub.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	h.logger.Info("disconnected from pub/sub broker")
}

// IsConnected reports whether the hub currently believes it has a live
// broker connection.
func (h *Hub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Subscribe registers callback on channel. If this is the channel's first
// subscriber, the underlying client subscribes at the broker too. Returns an
// id usable with Unsubscribe to remove this specific callback.
func (h *Hub) Subscribe(ctx context.Context, channel string, cb Callback) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected {
		return 0, fmt.Errorf("subscribe %s: not connected", channel)
	}

	set, existed := h.subscriptions[channel]
	if !existed {
		set = make(map[int]Callback)
		h.subscriptions[channel] = set
		if err := h.pubsub.Subscribe(ctx, channel); err != nil {
			delete(h.subscriptions, channel)
			return 0, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		h.logger.WithField("channel", channel).Info("subscribed to channel")
	}

	h.nextCBID++
	id := h.nextCBID
	set[id] = cb
	return id, nil
}

// Unsubscribe removes one callback (by id from Subscribe) or, if id is 0,
// every callback registered on channel. When the channel's callback set
// empties, the broker subscription is dropped too.
func (h *Hub) Unsubscribe(ctx context.Context, channel string, id int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscriptions[channel]
	if !ok {
		return nil
	}

	if id == 0 {
		for k := range set {
			delete(set, k)
		}
	} else {
		delete(set, id)
	}

	if len(set) == 0 {
		delete(h.subscriptions, channel)
		if h.pubsub != nil {
			if err := h.pubsub.Unsubscribe(ctx, channel); err != nil {
				return fmt.Errorf("unsubscribe %s: %w", channel, err)
			}
		}
		h.logger.WithField("channel", channel).Info("unsubscribed from channel")
	}
	return nil
}

// Publish wraps data in a Message, serializes it, and publishes it on
// channel. source is optional provenance recorded on the envelope.
func (h *Hub) Publish(ctx context.Context, channel string, data map[string]interface{}, source string) error {
	h.mu.Lock()
	client := h.client
	connected := h.connected
	h.mu.Unlock()

	if !connected || client == nil {
		return fmt.Errorf("publish %s: not connected", channel)
	}

	msg := Message{
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}

	if err := client.Publish(ctx, channel, payload).Err(); err != nil {
		h.recordError(err)
		return fmt.Errorf("publish %s: %w", channel, err)
	}

	h.statsMu.Lock()
	h.messagesPublished++
	h.statsMu.Unlock()
	return nil
}

// PublishDeviceTelemetry is the convenience publisher for devices:telemetry.
func (h *Hub) PublishDeviceTelemetry(ctx context.Context, deviceID string, telemetry map[string]interface{}, source string) error {
	if source == "" {
		source = "device:" + deviceID
	}
	return h.Publish(ctx, ChannelDevicesTelemetry, map[string]interface{}{
		"device_id": deviceID,
		"telemetry": telemetry,
	}, source)
}

// PublishAgentStatus is the convenience publisher for agents:status.
func (h *Hub) PublishAgentStatus(ctx context.Context, agentID, status string, details map[string]interface{}, source string) error {
	if source == "" {
		source = "agent:" + agentID
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	return h.Publish(ctx, ChannelAgentsStatus, map[string]interface{}{
		"agent_id": agentID,
		"status":   status,
		"details":  details,
	}, source)
}

// PublishExperimentData is the convenience publisher for experiments:data.
func (h *Hub) PublishExperimentData(ctx context.Context, experimentID string, data map[string]interface{}, source string) error {
	if source == "" {
		source = "experiment:" + experimentID
	}
	return h.Publish(ctx, ChannelExperimentsData, map[string]interface{}{
		"experiment_id": experimentID,
		"data":          data,
	}, source)
}

// PublishCREPUpdate is the convenience publisher for crep:live.
func (h *Hub) PublishCREPUpdate(ctx context.Context, category string, data map[string]interface{}, source string) error {
	if source == "" {
		source = "crep:" + category
	}
	return h.Publish(ctx, ChannelCREPLive, map[string]interface{}{
		"category": category,
		"data":     data,
	}, source)
}

// GetSubscriptions returns the channels currently subscribed, regardless of
// how many callbacks each has.
func (h *Hub) GetSubscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subscriptions))
	for ch := range h.subscriptions {
		out = append(out, ch)
	}
	return out
}

// Stats reports connection and delivery counters, mirroring the reference
// client's get_stats().
type Stats struct {
	Connected           bool     `json:"connected"`
	Reconnecting        bool     `json:"reconnecting"`
	SubscribedChannels  int      `json:"subscribed_channels"`
	Channels            []string `json:"channels"`
	MessagesPublished   int64    `json:"messages_published"`
	MessagesReceived    int64    `json:"messages_received"`
	ConnectionErrors    int64    `json:"connection_errors"`
	LastError           string   `json:"last_error,omitempty"`
}

// GetStats snapshots the hub's current state and counters.
func (h *Hub) GetStats() Stats {
	h.mu.Lock()
	channels := make([]string, 0, len(h.subscriptions))
	for ch := range h.subscriptions {
		channels = append(channels, ch)
	}
	connected := h.connected
	reconnecting := h.reconnecting
	h.mu.Unlock()

	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return Stats{
		Connected:          connected,
		Reconnecting:       reconnecting,
		SubscribedChannels: len(channels),
		Channels:           channels,
		MessagesPublished:  h.messagesPublished,
		MessagesReceived:   h.messagesReceived,
		ConnectionErrors:   h.connectionErrors,
		LastError:          h.lastError,
	}
}

func (h *Hub) recordError(err error) {
	h.statsMu.Lock()
	h.connectionErrors++
	h.lastError = err.Error()
	h.statsMu.Unlock()
}

// listen is the single background listener task: it consumes messages from
// the broker and dispatches them to each subscribed channel's callback set.
// On any read error it enters the reconnect loop; on exhaustion it gives up
// and leaves the hub disconnected (spec §4.4 "reconnection").
func (h *Hub) listen(pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	ch := pubsub.Channel(redis.WithChannelHealthCheckInterval(defaultHealthCheckPeriod))

	for {
		msg, ok := <-ch
		if !ok {
			h.mu.Lock()
			shuttingDown := h.shutdown
			h.mu.Unlock()
			if shuttingDown {
				return
			}
			if !h.reconnect() {
				h.logger.Error("pub/sub hub exhausted reconnect attempts, listener stopping")
				return
			}
			h.mu.Lock()
			pubsub = h.pubsub
			h.mu.Unlock()
			if pubsub == nil {
				return
			}
			ch = pubsub.Channel(redis.WithChannelHealthCheckInterval(defaultHealthCheckPeriod))
			continue
		}

		var parsed Message
		if err := json.Unmarshal([]byte(msg.Payload), &parsed); err != nil {
			h.logger.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed pub/sub payload")
			continue
		}

		h.statsMu.Lock()
		h.messagesReceived++
		h.statsMu.Unlock()

		h.dispatch(msg.Channel, parsed)
	}
}

// dispatch invokes every callback registered for channel. Each callback runs
// in its own recover scope so one subscriber's panic never takes down the
// listener or its siblings (spec §4.4).
func (h *Hub) dispatch(channel string, msg Message) {
	h.mu.Lock()
	set := h.subscriptions[channel]
	callbacks := make([]Callback, 0, len(set))
	for _, cb := range set {
		callbacks = append(callbacks, cb)
	}
	h.mu.Unlock()

	for _, cb := range callbacks {
		h.safeInvoke(cb, msg)
	}
}

func (h *Hub) safeInvoke(cb Callback, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("pub/sub callback panicked")
		}
	}()
	cb(msg)
}

// reconnect attempts up to maxReconnectAttempts reconnections, each after an
// increasing delay, re-subscribing every channel still in the subscription
// table on success. Callbacks are preserved throughout (spec §4.4/§8).
func (h *Hub) reconnect() bool {
	h.mu.Lock()
	if h.reconnecting {
		h.mu.Unlock()
		return false
	}
	h.reconnecting = true
	h.connected = false
	oldPubsub := h.pubsub
	oldClient := h.client
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.reconnecting = false
		h.mu.Unlock()
	}()

	if oldPubsub != nil {
		_ = oldPubsub.Close()
	}
	if oldClient != nil {
		_ = oldClient.Close()
	}

	for attempt := 1; attempt <= h.maxReconnectAttempts; attempt++ {
		h.mu.Lock()
		shuttingDown := h.shutdown
		h.mu.Unlock()
		if shuttingDown {
			return false
		}

		h.logger.WithField("attempt", attempt).Warn("attempting pub/sub reconnect")
		time.Sleep(h.reconnectDelay * time.Duration(attempt))

		if err := h.connect(context.Background(), false); err != nil {
			h.logger.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
			continue
		}

		h.mu.Lock()
		channels := make([]string, 0, len(h.subscriptions))
		for ch := range h.subscriptions {
			channels = append(channels, ch)
		}
		pubsub := h.pubsub
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
		ok := true
		for _, ch := range channels {
			if err := pubsub.Subscribe(ctx, ch); err != nil {
				h.logger.WithError(err).WithField("channel", ch).Error("failed to re-subscribe after reconnect")
				ok = false
			}
		}
		cancel()
		if !ok {
			continue
		}

		// No new listener goroutine is spawned here; the caller's listen
		// loop (still running) picks up the rebuilt h.pubsub and continues.
		return true
	}
	return false
}

