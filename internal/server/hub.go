package server

import (
	"errors"
	"log/slog"
	"sync"
)

const joinAttempts = 3

// Hub maps room ids to live rooms, creating them on first join.
type Hub struct {
	cfg    RoomConfig
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewHub(cfg RoomConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{cfg: cfg, logger: logger, rooms: make(map[string]*Room)}
}

// Room returns the room for id, creating and starting it if needed.
func (h *Hub) Room(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := newRoom(id, h.cfg, h.logger, h.remove)
	h.rooms[id] = r
	r.start()
	h.logger.Info("room created", "room", id)
	return r
}

// Join admits c to room id. A room torn down between lookup and join is
// replaced by a fresh one.
func (h *Hub) Join(id string, c *Conn) (*Room, error) {
	for i := 0; i < joinAttempts; i++ {
		r := h.Room(id)
		err := r.Join(c)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return r, err
	}
	return nil, ErrRoomClosed
}

func (h *Hub) remove(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
	}
}

// Stats is the content-free summary served on /stats.
type Stats struct {
	Rooms           int `json:"rooms"`
	Connections     int `json:"connections"`
	ActiveTransfers int `json:"activeTransfers"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	s := Stats{Rooms: len(rooms)}
	for _, r := range rooms {
		s.Connections += r.Size()
		s.ActiveTransfers += r.ActiveTransfers()
	}
	return s
}

// Close shuts every room down.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
}
