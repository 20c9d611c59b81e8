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

// Devices streams devices:telemetry, routing each message to only the
// clients watching its device_id, grounded on devices_stream.py.
type Devices struct {
	hub    *pubsub.Hub
	logger *logrus.Logger

	mu           sync.Mutex
	byDevice     map[string]map[chan []byte]struct{}
	all          map[chan []byte]struct{}
	subscribed   bool
	subscription int
}

// NewDevices constructs a Devices router bound to hub.
func NewDevices(hub *pubsub.Hub, log *logrus.Logger) *Devices {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Devices{
		hub:      hub,
		logger:   log,
		byDevice: make(map[string]map[chan []byte]struct{}),
		all:      make(map[chan []byte]struct{}),
	}
}

// ServeWS upgrades a request scoped to a single device_id, extracted by the
// caller from its own route (gin's c.Param("device_id") in cmd/mindexd)
// since request routing itself is out of scope per spec §1.
func (d *Devices) ServeWS(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.WithError(err).Error("devices stream: upgrade failed")
		return
	}

	send := make(chan []byte, sendBuffer)
	d.mu.Lock()
	if d.byDevice[deviceID] == nil {
		d.byDevice[deviceID] = make(map[chan []byte]struct{})
	}
	d.byDevice[deviceID][send] = struct{}{}
	d.all[send] = struct{}{}
	total := len(d.all)
	d.mu.Unlock()
	d.logger.WithFields(logrus.Fields{"device_id": deviceID, "total": total}).Info("devices stream: client connected")

	d.ensureSubscribed()

	connected, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"message":   "Device stream connected to " + deviceID,
		"device_id": deviceID,
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
				"device_id": deviceID,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			trySend(send, pong)
		}
		return false
	})

	d.disconnect(send, deviceID)
}

func (d *Devices) disconnect(send chan []byte, deviceID string) {
	d.mu.Lock()
	if set, ok := d.byDevice[deviceID]; ok {
		delete(set, send)
		if len(set) == 0 {
			delete(d.byDevice, deviceID)
		}
	}
	delete(d.all, send)
	remaining := len(d.all)
	d.mu.Unlock()
	close(send)
	d.logger.WithFields(logrus.Fields{"device_id": deviceID, "total": remaining}).Info("devices stream: client disconnected")

	if remaining == 0 {
		d.stopSubscription()
	}
}

func (d *Devices) ensureSubscribed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribed {
		return
	}
	id, err := d.hub.Subscribe(context.Background(), pubsub.ChannelDevicesTelemetry, d.onMessage)
	if err != nil {
		d.logger.WithError(err).Error("devices stream: subscribe failed")
		return
	}
	d.subscribed = true
	d.subscription = id
}

func (d *Devices) stopSubscription() {
	d.mu.Lock()
	if !d.subscribed {
		d.mu.Unlock()
		return
	}
	id := d.subscription
	d.subscribed = false
	d.mu.Unlock()

	_ = d.hub.Unsubscribe(context.Background(), pubsub.ChannelDevicesTelemetry, id)
}

func (d *Devices) onMessage(msg pubsub.Message) {
	deviceID, _ := msg.Data["device_id"].(string)
	if deviceID == "" {
		return
	}
	telemetry := msg.Data["telemetry"]

	envelope, err := json.Marshal(map[string]interface{}{
		"type":      "telemetry",
		"timestamp": msg.Timestamp,
		"source":    msg.Source,
		"device_id": deviceID,
		"data":      telemetry,
	})
	if err != nil {
		return
	}

	d.mu.Lock()
	set := d.byDevice[deviceID]
	targets := make([]chan []byte, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	d.mu.Unlock()

	var dead []chan []byte
	for _, c := range targets {
		if !trySend(c, envelope) {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		d.mu.Lock()
		for _, c := range dead {
			delete(d.byDevice[deviceID], c)
			delete(d.all, c)
		}
		d.mu.Unlock()
	}
}

// Status reports the router's current connection/subscription state.
func (d *Devices) Status() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	devices := make([]string, 0, len(d.byDevice))
	for id := range d.byDevice {
		devices = append(devices, id)
	}
	return map[string]interface{}{
		"active_connections": len(d.all),
		"devices_monitored":  devices,
		"subscription_active": d.subscribed,
		"channel":             pubsub.ChannelDevicesTelemetry,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
}
