// Package ws bridges the Redis signal bus to WebSocket clients so API
// consumers can follow position lifecycle events and price updates live.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 4096
	sendBuffer     = 256
)

// busChannels are the signal bus channels the hub relays. Sessions start
// subscribed to all of them and can narrow the set afterwards.
var busChannels = []string{
	"positions",
	"prices",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in the CORS middleware; the upgrade
		// itself accepts any origin.
		return true
	},
}

// session is one connected WebSocket client and its channel subscriptions.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte
	mu   sync.RWMutex
	subs map[string]bool
}

// controlMsg is the only message clients send: subscription management.
type controlMsg struct {
	Action   string   `json:"action"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}

// envelope pairs a relayed payload with the channel it arrived on so the
// hub can route it to the right sessions.
type envelope struct {
	channel string
	data    []byte
}

// Hub fans signal bus messages out to WebSocket sessions. All session
// bookkeeping happens on the Run loop; HandleWS only hands sessions over.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[*session]struct{}

	relay chan envelope
	join  chan *session
	leave chan *session

	mode      string
	startedAt time.Time
}

// Config carries run metadata included in the greeting sent on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub over the given signal bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		bus:       bus,
		logger:    logger,
		sessions:  make(map[*session]struct{}),
		relay:     make(chan envelope, 256),
		join:      make(chan *session),
		leave:     make(chan *session),
		mode:      mode,
		startedAt: startedAt,
	}
}

// Run consumes the bus subscriptions and drives session membership until
// ctx is cancelled. Call it in its own goroutine.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range busChannels {
		go h.pump(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.sessions {
				close(s.out)
				delete(h.sessions, s)
			}
			h.mu.Unlock()
			return ctx.Err()

		case s := <-h.join:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("ws: session joined", slog.Int("sessions", n))

		case s := <-h.leave:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.out)
			}
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("ws: session left", slog.Int("sessions", n))

		case env := <-h.relay:
			h.mu.RLock()
			for s := range h.sessions {
				if !s.wants(env.channel) {
					continue
				}
				select {
				case s.out <- env.data:
				default:
					// Backpressure: a full session buffer drops the
					// message rather than stalling the relay.
					h.logger.Warn("ws: slow session, message dropped",
						slog.String("channel", env.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pump forwards one bus channel into the relay until ctx ends or the
// subscription closes.
func (h *Hub) pump(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: relaying channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed",
					slog.String("channel", channel))
				return
			}
			h.relay <- envelope{channel: channel, data: data}
		}
	}
}

// HandleWS upgrades the request and registers the resulting session.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &session{
		hub:  h,
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		subs: make(map[string]bool, len(busChannels)),
	}
	for _, ch := range busChannels {
		s.subs[ch] = true
	}

	h.join <- s
	s.greet()

	go s.writeLoop()
	go s.readLoop()
}

// readLoop consumes client frames, keeping the pong deadline fresh and
// applying subscription changes. Everything else from the client is ignored.
func (s *session) readLoop() {
	defer func() {
		s.hub.leave <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("ws: abnormal close", slog.String("error", err.Error()))
			}
			return
		}

		var ctl controlMsg
		if jsonErr := json.Unmarshal(raw, &ctl); jsonErr == nil && ctl.Action != "" {
			s.apply(ctl)
		}
	}
}

func (s *session) apply(msg controlMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			s.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(s.subs, ch)
		}
	}
}

func (s *session) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[channel]
}

// greet sends a status envelope right after connect so clients can show a
// healthy link before any position event arrives.
func (s *session) greet() {
	uptime := int64(time.Since(s.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	msg, err := json.Marshal(map[string]any{
		"type": "engine_status",
		"payload": map[string]any{
			"mode":           s.hub.mode,
			"ws_connected":   true,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

// writeLoop serializes all writes on the connection: relayed payloads as
// JSON text frames, pings on a timer.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
