package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxInbound = 4096
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Upgrader accepts any origin; the HTTP layer in front decides who may connect.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeConn pumps sub's events into conn until either side goes away.
// It takes ownership of both and closes them on return.
func ServeConn(conn *websocket.Conn, sub *Subscription) {
	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, sub, done)
	sub.Close()
	_ = conn.Close()
}

// readPump discards client frames and notices when the peer disconnects.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxInbound)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("relay: websocket read failed", zap.Error(err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				zap.L().Warn("relay: encode event failed", zap.Error(err), zap.String("event", string(ev.Kind)))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
