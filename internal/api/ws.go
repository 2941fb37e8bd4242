package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"crypto-sim-backend/internal/hub"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the auth layer in front of this server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is the only inbound frame the server understands.
type wsCommand struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// MarketWSHandler upgrades the connection and streams market_update
// frames for the requested symbol. The client may switch symbols with
// {action:"subscribe", symbol:"..."} on the same connection.
func (s *Server) MarketWSHandler(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if symbol == "" || !s.symbolExists(symbol) {
		s.writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sess := &wsSession{
		server: s,
		conn:   conn,
		out:    make(chan hub.Event, 32),
		done:   make(chan struct{}),
	}
	sess.attach(symbol)

	go sess.writeLoop()
	sess.readLoop()
}

// wsSession owns one connection's subscription state.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	out    chan hub.Event
	done   chan struct{}

	mu  sync.Mutex
	sub *hub.Subscription

	closeOnce sync.Once
}

// attach switches the session to a symbol topic. The old forwarder, if
// any, exits when its channel closes on unsubscribe.
func (s *wsSession) attach(symbol string) {
	s.mu.Lock()
	old := s.sub
	s.sub = s.server.hub.Subscribe(symbol)
	sub := s.sub
	s.mu.Unlock()

	if old != nil {
		s.server.hub.Unsubscribe(old)
	}
	s.server.broadcaster.EnsureSymbol(symbol)

	go func() {
		for ev := range sub.C {
			select {
			case <-s.done:
				return
			default:
			}
			s.forward(ev)
		}
	}()
}

// forward queues an event for the write loop. When the connection can't
// keep up the oldest queued frame gives way, matching the hub: the
// newest tick is the one worth delivering.
func (s *wsSession) forward(ev hub.Event) {
	select {
	case s.out <- ev:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- ev:
	default:
	}
}

func (s *wsSession) readLoop() {
	defer s.teardown()

	s.conn.SetReadLimit(wsReadLimit)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		if cmd.Action == "subscribe" && cmd.Symbol != "" && s.server.symbolExists(cmd.Symbol) {
			s.attach(cmd.Symbol)
		}
	}
}

func (s *wsSession) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.teardown()
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown()
				return
			}
		}
	}
}

func (s *wsSession) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		sub := s.sub
		s.sub = nil
		s.mu.Unlock()
		if sub != nil {
			s.server.hub.Unsubscribe(sub)
		}

		s.conn.Close()
	})
}
