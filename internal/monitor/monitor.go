// Package monitor exposes read-only room and connection snapshots over HTTP
// and streams room lifecycle notices over a websocket.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"skeld/internal/event"
	"skeld/internal/room"
	"skeld/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	feedBuffer = 64
)

// Source provides snapshots taken on the event loop.
type Source interface {
	Rooms(ctx context.Context) ([]models.RoomInfo, error)
	RoomInfo(ctx context.Context, code string) (models.RoomInfo, error)
	Connections(ctx context.Context) ([]models.ConnectionInfo, error)
}

type Monitor struct {
	source   Source
	feed     *event.Feed
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(source Source, feed *event.Feed, logger *slog.Logger) *Monitor {
	return &Monitor{
		source: source,
		feed:   feed,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes returns the monitor's HTTP handler.
func (m *Monitor) Routes() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return m.recoverer(m.logRequests(h))
	}
	mux.HandleFunc("GET /api/rooms", wrap(m.listRooms))
	mux.HandleFunc("GET /api/rooms/{code}", wrap(m.getRoom))
	mux.HandleFunc("GET /api/connections", wrap(m.listConnections))
	mux.HandleFunc("GET /ws/events", m.serveEvents)
	mux.HandleFunc("GET /health", wrap(m.health))
	return mux
}

func (m *Monitor) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := m.source.Rooms(r.Context())
	if err != nil {
		m.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	m.jsonResponse(w, map[string]any{"rooms": rooms, "count": len(rooms)}, http.StatusOK)
}

func (m *Monitor) getRoom(w http.ResponseWriter, r *http.Request) {
	info, err := m.source.RoomInfo(r.Context(), r.PathValue("code"))
	switch {
	case errors.Is(err, room.ErrGameNotFound):
		m.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		m.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	m.jsonResponse(w, info, http.StatusOK)
}

func (m *Monitor) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := m.source.Connections(r.Context())
	if err != nil {
		m.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	m.jsonResponse(w, map[string]any{"connections": conns, "count": len(conns)}, http.StatusOK)
}

func (m *Monitor) health(w http.ResponseWriter, r *http.Request) {
	m.jsonResponse(w, map[string]any{"status": "ok", "subscribers": m.feed.Subscribers()}, http.StatusOK)
}

// serveEvents streams every notice published after the upgrade as a JSON
// text frame.
func (m *Monitor) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	notices, cancel := m.feed.Subscribe(feedBuffer)
	m.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go m.readPump(conn, closed)
	m.writePump(conn, notices, closed)
	cancel()
	conn.Close()
	m.logger.Debug("event subscriber gone", "remote", r.RemoteAddr)
}

// readPump discards client frames and reports when the peer goes away.
func (m *Monitor) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}

func (m *Monitor) writePump(conn *websocket.Conn, notices <-chan event.Notice, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case n, ok := <-notices:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (m *Monitor) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		m.logger.Error("encode response", "err", err)
	}
}

func (m *Monitor) errorResponse(w http.ResponseWriter, message string, status int) {
	m.jsonResponse(w, map[string]string{"error": message}, status)
}

func (m *Monitor) logRequests(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		m.logger.Debug("monitor request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	}
}

func (m *Monitor) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error("monitor panic", "err", err, "path", r.URL.Path)
				m.errorResponse(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}
