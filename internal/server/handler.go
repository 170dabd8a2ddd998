package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/aydomini/EchoVault/internal/admission"
	"github.com/aydomini/EchoVault/internal/transport"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	maxRoomIDLength = 128
	anonymous       = "Anonymous"
)

type Handler struct {
	Hub            *Hub
	ClientIPHeader string
	upgrader       websocket.Upgrader
}

func NewHandler(hub *Hub, cfg Config) *Handler {
	h := &Handler{Hub: hub, ClientIPHeader: cfg.ClientIPHeader}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// Routes returns the relay's HTTP surface.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ping", h.Ping).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	r.HandleFunc("/ws/{roomId}", h.ServeWS).Methods(http.MethodGet)
	return r
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Hub.Stats())
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	if roomID == "" || len(roomID) > maxRoomIDLength {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket", http.StatusUpgradeRequired)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "room", roomID, "error", err)
		return
	}

	q := r.URL.Query()
	nickname := q.Get("nickname")
	if nickname == "" {
		nickname = anonymous
	}
	c := newConn(ws, admission.Request{
		Nickname:  nickname,
		DeviceID:  q.Get("deviceId"),
		SessionID: q.Get("sessionId"),
		RemoteIP:  h.clientIP(r),
	})
	go c.writePump(h.Hub.logger)

	room, err := h.Hub.Join(roomID, c)
	if err != nil {
		// Join has already queued the error envelope and a policy close.
		c.close(transport.ClosePolicy, "Join failed")
		return
	}
	c.readPump(room)
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.ClientIPHeader != "" {
		if v := r.Header.Get(h.ClientIPHeader); v != "" {
			first, _, _ := strings.Cut(v, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin.
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
