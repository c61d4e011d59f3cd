package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"thk/internal/bus"
	"thk/internal/metrics"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// bearer auth, not cookies, protects the stream
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventStream pushes bus events to WebSocket subscribers. Slow clients lose
// events rather than stalling the publisher.
type eventStream struct {
	bus    *bus.EventBus
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newEventStream(b *bus.EventBus, logger *slog.Logger) *eventStream {
	return &eventStream{bus: b, logger: logger, conns: make(map[*websocket.Conn]struct{})}
}

// handle upgrades the connection. Decisions carry other users' commands, so
// only admins may subscribe. ?replay=1 first sends the retained history.
func (es *eventStream) handle(w http.ResponseWriter, r *http.Request) {
	if c := caller(r); !c.Admin {
		writeError(w, http.StatusForbidden, "event stream requires admin")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		es.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	es.mu.Lock()
	es.conns[conn] = struct{}{}
	es.mu.Unlock()
	metrics.StreamClients.Inc()

	events := make(chan bus.Event, streamBuffer)
	var dropped atomic.Int64
	handlerID := es.bus.On("*", func(e bus.Event) {
		select {
		case events <- e:
		default:
			dropped.Add(1)
		}
	})

	es.logger.Info("event stream client connected", "remote", r.RemoteAddr)
	defer func() {
		es.bus.Off("*", handlerID)
		es.mu.Lock()
		delete(es.conns, conn)
		es.mu.Unlock()
		conn.Close()
		metrics.StreamClients.Dec()
		es.logger.Info("event stream client disconnected", "remote", r.RemoteAddr, "dropped", dropped.Load())
	}()

	if r.URL.Query().Get("replay") == "1" {
		for _, e := range es.bus.Replay("*", time.Time{}) {
			if err := writeEvent(conn, e); err != nil {
				return
			}
		}
	}

	done := make(chan struct{})
	go es.readPump(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case e := <-events:
			if err := writeEvent(conn, e); err != nil {
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

// readPump discards client frames and signals done when the peer goes away.
func (es *eventStream) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				es.logger.Debug("event stream read error", "err", err)
			}
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e bus.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

// closeAll sends a close frame to every subscriber during shutdown.
func (es *eventStream) closeAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range es.conns {
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}
