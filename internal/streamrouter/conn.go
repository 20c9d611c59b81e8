// Package streamrouter implements the six WebSocket stream routers of spec
// §4.5: viewport/filter-scoped WebSocket endpoints that bridge pub/sub
// channels to clients, with per-client subscription filters, heartbeats, and
// backpressure-safe broadcast. Each router is its own purpose-built manager
// (topology, CREP, devices, scientific, security, entity) sharing the same
// connection skeleton defined in this file.
package streamrouter

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192

	sendBuffer = 64
)

// Upgrader is shared by every router; origin checks are left to the
// surrounding request router (out of scope per spec §1).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// writePump drains send, writing each payload as a single WebSocket frame
// (text unless binary is set, per entity_stream's binary-frame requirement),
// and pings the peer every pingPeriod. Returns when send is closed or a
// write fails.
func writePump(conn *websocket.Conn, send <-chan []byte, binary bool) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	frameType := websocket.TextMessage
	if binary {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(frameType, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop reads text frames until the connection closes or handle asks to
// stop. It installs the shared read deadline / pong handler pair so the
// connection is torn down if the peer stops responding to pings.
func readLoop(conn *websocket.Conn, handle func(msg []byte) (stop bool)) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if handle(msg) {
			return
		}
	}
}

// trySend attempts a non-blocking enqueue onto a client's send channel.
// Reports false if the channel is full (caller should treat this as a dead
// client and remove it, per spec §4.5 "a failing send removes the client").
func trySend(send chan []byte, payload []byte) bool {
	select {
	case send <- payload:
		return true
	default:
		return false
	}
}
