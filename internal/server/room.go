package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aydomini/EchoVault/internal/admission"
	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/scheduler"
	"github.com/aydomini/EchoVault/internal/transport"
)

// ErrRoomClosed is returned by Join when the room was torn down while the
// caller was holding a reference to it.
var ErrRoomClosed = errors.New("room closed")

// Room is the relay state for one room id. Every field below mu is guarded
// by it; rooms never touch each other's state.
type Room struct {
	ID string

	cfg     RoomConfig
	logger  *slog.Logger
	now     func() time.Time
	sched   *scheduler.Scheduler
	onClose func(*Room)

	mu             sync.Mutex
	conns          map[string]*Conn
	ips            *admission.IPCounter
	messageLimit   *admission.SlidingWindow
	chunkLimit     *admission.SlidingWindow
	sizeViolations map[string]int
	senders        map[string]string // slot holder connection id -> file id
	idle           *scheduler.Handle
	idleGen        int
	closed         bool
}

func newRoom(id string, cfg RoomConfig, logger *slog.Logger, onClose func(*Room)) *Room {
	return &Room{
		ID:             id,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
		sched:          scheduler.New(),
		onClose:        onClose,
		conns:          make(map[string]*Conn),
		ips:            admission.NewIPCounter(),
		messageLimit:   admission.NewSlidingWindow(admission.MessagesPerSecond, admission.RateWindow),
		chunkLimit:     admission.NewSlidingWindow(admission.FileChunksPerSecond, admission.RateWindow),
		sizeViolations: make(map[string]int),
		senders:        make(map[string]string),
	}
}

// start arms the periodic sweeps and the idle timer of a fresh room.
func (r *Room) start() {
	r.sched.Every(r.cfg.HeartbeatSweep, func() { r.SweepHeartbeats(r.now()) })
	r.sched.Every(r.cfg.RateLimitGC, func() { r.collectRateLimits(r.now()) })
	r.mu.Lock()
	r.armIdleLocked()
	r.mu.Unlock()
}

// Join admits c or rejects it with an error envelope and a policy close.
// All decisions are taken before any state changes.
func (r *Room) Join(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}

	if err := admission.Check(c.request(), len(r.conns), r.ips.Count(c.RemoteIP), r.cfg.Limits); err != nil {
		r.rejectLocked(c, err)
		return err
	}

	var replaced *Conn
	var reason models.KickReason
	for _, old := range r.conns {
		if old.Nickname != c.Nickname {
			continue
		}
		sameDevice := c.DeviceID != "" && old.DeviceID == c.DeviceID
		sameSession := c.SessionID != "" && old.SessionID == c.SessionID
		switch {
		case sameDevice && sameSession:
			replaced, reason = old, models.KickReconnection
		case sameDevice:
			err := &admission.Error{Code: models.CodeNicknameInUse, Message: "This nickname is already in use in another tab"}
			r.rejectLocked(c, err)
			return err
		default:
			replaced, reason = old, models.KickNewDeviceLogin
		}
		break
	}

	if replaced != nil {
		r.kickLocked(replaced, reason)
	}

	now := r.now()
	c.lastHeartbeat = now
	r.conns[c.ID] = c
	r.ips.Acquire(c.RemoteIP)
	r.cancelIdleLocked()

	users := r.onlineUsersLocked()
	r.broadcastLocked(models.UserJoined{
		ConnectionID: c.ID,
		Nickname:     c.Nickname,
		Timestamp:    now.UnixMilli(),
		OnlineUsers:  users,
	}, c.ID)
	r.sendLocked(c, models.Connected{ConnectionID: c.ID, Nickname: c.Nickname, OnlineUsers: users})
	for id, peer := range r.conns {
		if id == c.ID || peer.publicKey == nil {
			continue
		}
		r.sendLocked(c, models.PublicKey{ConnectionID: id, PublicKey: peer.publicKey, ECDHPublicKey: peer.ecdhPublicKey})
	}

	r.logger.Info("user joined", "room", r.ID, "conn", c.ID, "ip", c.RemoteIP, "members", len(r.conns))
	return nil
}

func (r *Room) rejectLocked(c *Conn, err error) {
	var aerr *admission.Error
	if !errors.As(err, &aerr) {
		aerr = &admission.Error{Message: err.Error()}
	}
	r.logger.Info("join rejected", "room", r.ID, "ip", c.RemoteIP, "code", aerr.Code)
	if frame, merr := models.Marshal(aerr.Envelope()); merr == nil {
		c.enqueue(frame)
	}
	c.close(transport.ClosePolicy, aerr.Message)
}

func (r *Room) kickLocked(old *Conn, reason models.KickReason) {
	msg := "You logged in from another device"
	closeReason := "Login from another device"
	if reason == models.KickReconnection {
		msg = "You reconnected from the same tab"
		closeReason = "Reconnection from same tab"
	}
	r.logger.Info("replacing connection", "room", r.ID, "conn", old.ID, "reason", reason)
	if frame, err := models.Marshal(models.Kicked{Reason: reason, Message: msg}); err == nil {
		old.enqueue(frame)
	}
	old.close(transport.CloseNormal, closeReason)
	r.removeLocked(old)
}

// Leave removes c. It is a no-op when c was already removed or replaced.
func (r *Room) Leave(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.ID] != c {
		return
	}
	r.removeLocked(c)
	r.logger.Info("user left", "room", r.ID, "conn", c.ID, "members", len(r.conns))
}

func (r *Room) removeLocked(c *Conn) {
	delete(r.conns, c.ID)
	r.ips.Release(c.RemoteIP)
	r.messageLimit.Forget(c.ID)
	r.chunkLimit.Forget(c.ID)
	delete(r.sizeViolations, c.ID)

	if fileID, ok := r.releaseSlotLocked(c.ID); ok {
		r.broadcastLocked(models.FileTransferCancelled{
			FileID:       fileID,
			ConnectionID: c.ID,
			Timestamp:    r.now().UnixMilli(),
		}, "")
	}
	r.broadcastLocked(models.UserLeft{
		ConnectionID: c.ID,
		Nickname:     c.Nickname,
		Timestamp:    r.now().UnixMilli(),
		OnlineUsers:  r.onlineUsersLocked(),
	}, "")
	r.armIdleLocked()
}

// sendLocked queues e for one connection and drops the connection if the
// queue cannot take it.
func (r *Room) sendLocked(c *Conn, e models.Envelope) {
	frame, err := models.Marshal(e)
	if err != nil {
		r.logger.Error("encode envelope", "type", e.Kind(), "error", err)
		return
	}
	if !c.enqueue(frame) {
		r.dropLocked([]*Conn{c})
	}
}

// broadcastLocked fans e out to every member except exclude. A failing
// recipient is removed after the loop without affecting the others.
func (r *Room) broadcastLocked(e models.Envelope, exclude string) {
	frame, err := models.Marshal(e)
	if err != nil {
		r.logger.Error("encode envelope", "type", e.Kind(), "error", err)
		return
	}
	var dead []*Conn
	for id, c := range r.conns {
		if id == exclude {
			continue
		}
		if !c.enqueue(frame) {
			dead = append(dead, c)
		}
	}
	r.dropLocked(dead)
}

func (r *Room) dropLocked(dead []*Conn) {
	for _, c := range dead {
		if r.conns[c.ID] != c {
			continue
		}
		r.logger.Warn("dropping unreachable connection", "room", r.ID, "conn", c.ID)
		c.close(transport.CloseNormal, "Send failed")
		r.removeLocked(c)
	}
}

func (r *Room) onlineUsersLocked() []models.OnlineUser {
	users := make([]models.OnlineUser, 0, len(r.conns))
	for id, c := range r.conns {
		users = append(users, models.OnlineUser{ConnectionID: id, Nickname: c.Nickname})
	}
	return users
}

// staleAfter is the heartbeat timeout for a connection that has been quiet
// for idle: connections still within the first minute get 60s, quieter
// ones (mobile clients in the background) get 90s.
func staleAfter(idle time.Duration) time.Duration {
	if idle > 60*time.Second {
		return 90 * time.Second
	}
	return 60 * time.Second
}

// SweepHeartbeats closes connections whose last ping or chunk is too old.
func (r *Room) SweepHeartbeats(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*Conn
	for _, c := range r.conns {
		idle := now.Sub(c.lastHeartbeat)
		if idle > staleAfter(idle) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		if r.conns[c.ID] != c {
			continue
		}
		r.logger.Info("closing stale connection", "room", r.ID, "conn", c.ID, "idle", now.Sub(c.lastHeartbeat).Round(time.Second))
		c.close(transport.CloseNormal, "Heartbeat timeout")
		r.removeLocked(c)
	}
	return len(stale)
}

func (r *Room) collectRateLimits(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.messageLimit.GC(now) + r.chunkLimit.GC(now)
	if n > 0 {
		r.logger.Debug("rate limit state collected", "room", r.ID, "keys", n)
	}
}

func (r *Room) armIdleLocked() {
	if r.closed || len(r.conns) > 0 || r.idle != nil {
		return
	}
	r.idleGen++
	gen := r.idleGen
	r.idle = r.sched.After(r.cfg.IdleTeardown, func() { r.teardown(gen) })
	r.logger.Debug("room empty, teardown scheduled", "room", r.ID, "in", r.cfg.IdleTeardown)
}

func (r *Room) cancelIdleLocked() {
	if r.idle == nil {
		return
	}
	r.idle.Stop()
	r.idle = nil
}

// teardown releases an empty room. gen guards against a timer that fired
// just as it was being cancelled.
func (r *Room) teardown(gen int) {
	r.mu.Lock()
	if r.closed || r.idle == nil || gen != r.idleGen || len(r.conns) > 0 {
		r.mu.Unlock()
		return
	}
	r.closeLocked()
	r.mu.Unlock()
	r.logger.Info("room torn down", "room", r.ID)
	if r.onClose != nil {
		r.onClose(r)
	}
}

// Close disconnects every member and stops the room's timers.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, c := range r.conns {
		c.close(transport.CloseGoingAway, "Server shutting down")
	}
	r.closeLocked()
	r.mu.Unlock()
	if r.onClose != nil {
		r.onClose(r)
	}
}

func (r *Room) closeLocked() {
	r.closed = true
	r.idle = nil
	r.sched.Close()
	r.conns = make(map[string]*Conn)
	r.ips = admission.NewIPCounter()
	r.messageLimit = admission.NewSlidingWindow(admission.MessagesPerSecond, admission.RateWindow)
	r.chunkLimit = admission.NewSlidingWindow(admission.FileChunksPerSecond, admission.RateWindow)
	r.sizeViolations = make(map[string]int)
	r.senders = make(map[string]string)
}

// Size returns the number of members.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ActiveTransfers returns the number of held sender slots.
func (r *Room) ActiveTransfers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}
