// Package session is the client side of a room: it owns the socket, the
// room keys, reconnection and the inbound verification pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aydomini/EchoVault/internal/admission"
	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/scheduler"
	"github.com/aydomini/EchoVault/internal/transfer"
	"github.com/aydomini/EchoVault/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	MaxReconnectAttempts = 15
	MaxBackoff           = 30 * time.Second
	// MaxMessageLength is measured in characters, not bytes.
	MaxMessageLength = 5000
	DuplicateWindow  = 5 * time.Second
	// ChunkInterval paces outgoing chunks below the relay's chunk limit.
	ChunkInterval = 67 * time.Millisecond
	// PingEveryChunks keeps heartbeats flowing during long receives.
	PingEveryChunks = 10
	BlobRetention   = 30 * time.Minute
	SweepInterval   = 10 * time.Second
	DialTimeout     = 10 * time.Second
	// EncryptedPlaceholder is shown when a sender's nickname cannot be opened.
	EncryptedPlaceholder = "[Encrypted]"
)

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("session closed")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrDuplicateMessage = errors.New("identical message sent moments ago")
	ErrConnectionLost   = errors.New("connection lost")
	ErrSlotDenied       = errors.New("file transfer slot busy")
	// ErrTransferAborted means the relay dropped an outgoing transfer.
	ErrTransferAborted = errors.New("file transfer aborted by relay")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config describes one room membership.
type Config struct {
	ServerURL string
	RoomID    string
	Password  string
	Nickname  string
	// DeviceID is stable per installation; SessionID per process. Both
	// default to fresh UUIDs.
	DeviceID  string
	SessionID string

	Dialer      *websocket.Dialer
	Logger      *slog.Logger
	EventBuffer int
}

// Backoff returns the delay before reconnect attempt n, counting from 0.
func Backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return MaxBackoff
	}
	d := time.Second << attempt
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// link is one physical connection. done closes when its read loop exits;
// joined closes when the relay admits it.
type link struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	// Guarded by Session.mu.
	joined   chan struct{}
	admitted bool
	rejected *RejectedError
}

// RejectedError is the relay's reason for refusing a join.
type RejectedError struct {
	Code    models.ErrorCode
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("join rejected: %s: %s", e.Code, e.Message)
}

func (l *link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(transport.WriteWait))
	return l.ws.WriteMessage(websocket.TextMessage, data)
}

func (l *link) send(e models.Envelope) error {
	data, err := models.Marshal(e)
	if err != nil {
		return err
	}
	return l.write(data)
}

// Session is a client's presence in one room.
type Session struct {
	cfg       Config
	logger    *slog.Logger
	dialer    *websocket.Dialer
	keys      *crypto.Keys
	signing   *crypto.SigningKeyPair
	agreement *crypto.AgreementKeyPair
	nonces    *crypto.NonceRegistry
	assembler *transfer.Assembler
	sched     *scheduler.Scheduler
	events    chan Event
	now       func() time.Time
	backoff   func(int) time.Duration

	mu              sync.Mutex
	state           State
	link            *link
	heartbeat       *scheduler.Handle
	retry           *scheduler.Handle
	attempt         int
	shouldReconnect bool
	closed          bool
	connID          string
	members         map[string]string
	peerKeys        map[string][]byte
	secrets         map[string]*crypto.SharedSecret
	offset          time.Duration
	lastPing        time.Time
	chunksSeen      int
	recent          map[string]time.Time
	slotWaiters     map[string]chan models.FileTransferResponse
	outgoing        map[string]context.CancelCauseFunc
	received        map[string]*received
}

type received struct {
	data    []byte
	release *scheduler.Handle
}

// New derives the room keys and generates this participant's key pairs.
func New(cfg Config) (*Session, error) {
	if cfg.Nickname == "" {
		cfg.Nickname = "Anonymous"
	}
	if err := admission.ValidateNickname(cfg.Nickname); err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	keys, err := crypto.DeriveKeys(cfg.Password, cfg.RoomID)
	if err != nil {
		return nil, err
	}
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	agreement, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate agreement key: %w", err)
	}

	s := &Session{
		cfg:         cfg,
		logger:      logger.With("room", cfg.RoomID),
		dialer:      dialer,
		keys:        keys,
		signing:     signing,
		agreement:   agreement,
		nonces:      crypto.NewNonceRegistry(),
		assembler:   transfer.NewAssembler(keys),
		sched:       scheduler.New(),
		events:      make(chan Event, cfg.EventBuffer),
		now:         time.Now,
		backoff:     Backoff,
		members:     make(map[string]string),
		peerKeys:    make(map[string][]byte),
		secrets:     make(map[string]*crypto.SharedSecret),
		recent:      make(map[string]time.Time),
		slotWaiters: make(map[string]chan models.FileTransferResponse),
		outgoing:    make(map[string]context.CancelCauseFunc),
		received:    make(map[string]*received),
	}
	s.sched.Every(SweepInterval, s.sweep)
	return s, nil
}

// Events delivers everything observable about the room. Events are dropped
// with a warning if the consumer falls EventBuffer behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn("event dropped", "event", fmt.Sprintf("%T", e))
	}
}

func (s *Session) setStateLocked(st State, attempt int, delay time.Duration) {
	if s.state == st && st != StateReconnecting {
		return
	}
	s.state = st
	s.logger.Debug("state changed", "state", st.String(), "attempt", attempt)
	s.emit(StateChanged{State: st, Attempt: attempt, Delay: delay})
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionID is the id the relay assigned, empty before the join.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Fingerprint is this participant's signing key fingerprint.
func (s *Session) Fingerprint() string {
	return crypto.Fingerprint(s.signing.Public)
}

// PeerFingerprint returns the fingerprint a peer announced.
func (s *Session) PeerFingerprint(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.peerKeys[connID]
	if !ok {
		return "", false
	}
	return crypto.Fingerprint(pk), true
}

// Members returns the current member list as last reported by the relay.
func (s *Session) Members() []models.OnlineUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OnlineUser, 0, len(s.members))
	for id, nick := range s.members {
		out = append(out, models.OnlineUser{ConnectionID: id, Nickname: nick})
	}
	return out
}

// Connect dials the relay and waits until it admits or refuses the join. A
// refusal comes back as *RejectedError. A failed first attempt is not
// retried; later drops are retried with exponential backoff.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.shouldReconnect = true
	s.attempt = 0
	s.setStateLocked(StateConnecting, 0, 0)
	s.mu.Unlock()

	ws, err := s.dial(ctx)

	s.mu.Lock()
	if err != nil {
		s.shouldReconnect = false
		s.setStateLocked(StateDisconnected, 0, 0)
		s.mu.Unlock()
		return err
	}
	if !s.shouldReconnect {
		s.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	l := s.attachLocked(ws)
	s.mu.Unlock()

	wait := time.NewTimer(DialTimeout)
	defer wait.Stop()
	select {
	case <-l.joined:
		return nil
	case <-l.done:
	case <-ctx.Done():
		s.Disconnect()
		return ctx.Err()
	case <-wait.C:
		s.Disconnect()
		return fmt.Errorf("relay did not answer the join: %w", ErrConnectionLost)
	}

	s.mu.Lock()
	admitted, rejected := l.admitted, l.rejected
	s.mu.Unlock()
	if admitted {
		return nil
	}
	s.Disconnect()
	if rejected != nil {
		return rejected
	}
	return ErrConnectionLost
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := transport.RoomURL(s.cfg.ServerURL, transport.JoinParams{
		RoomID:    s.cfg.RoomID,
		Nickname:  s.cfg.Nickname,
		DeviceID:  s.cfg.DeviceID,
		SessionID: s.cfg.SessionID,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	ws, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(transport.ReadLimit)
	return ws, nil
}

// attachLocked makes ws the live link: announce keys, start heartbeats and
// the read loop.
func (s *Session) attachLocked(ws *websocket.Conn) *link {
	l := &link{ws: ws, done: make(chan struct{}), joined: make(chan struct{})}
	s.link = l
	s.attempt = 0
	s.setStateLocked(StateOpen, 0, 0)

	if err := l.send(models.PublicKey{
		PublicKey:     s.signing.Public,
		ECDHPublicKey: s.agreement.Public[:],
	}); err != nil {
		s.logger.Warn("announce public key failed", "error", err)
	}
	s.pingLocked(l)
	s.heartbeat = s.sched.Every(transport.ClientHeartbeatInterval, s.ping)
	go s.readLoop(l)
	return l
}

func (s *Session) readLoop(l *link) {
	defer close(l.done)
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			s.onClose(l, err)
			return
		}
		s.handle(data)
	}
}

func (s *Session) onClose(l *link, err error) {
	_ = l.ws.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l {
		return
	}
	s.link = nil
	s.heartbeat.Stop()
	s.heartbeat = nil
	s.connID = ""
	s.clearPeersLocked()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == transport.ClosePolicy {
		s.logger.Info("relay closed connection for policy violation", "text", ce.Text)
		s.shouldReconnect = false
	}
	if !s.shouldReconnect || s.closed {
		s.setStateLocked(StateDisconnected, 0, 0)
		return
	}
	s.logger.Info("connection lost", "error", err)
	s.scheduleReconnectLocked()
}

func (s *Session) scheduleReconnectLocked() {
	if s.attempt >= MaxReconnectAttempts {
		s.logger.Warn("giving up reconnecting", "attempts", s.attempt)
		s.shouldReconnect = false
		s.setStateLocked(StateDisconnected, 0, 0)
		return
	}
	delay := s.backoff(s.attempt)
	s.attempt++
	s.setStateLocked(StateReconnecting, s.attempt, delay)
	s.retry = s.sched.After(delay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if !s.shouldReconnect || s.closed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting, s.attempt, 0)
	s.mu.Unlock()

	ws, err := s.dial(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shouldReconnect || s.closed {
		if ws != nil {
			_ = ws.Close()
		}
		s.setStateLocked(StateDisconnected, 0, 0)
		return
	}
	if err != nil {
		s.logger.Debug("reconnect failed", "attempt", s.attempt, "error", err)
		s.scheduleReconnectLocked()
		return
	}
	s.attachLocked(ws)
}

// Disconnect closes the socket and stops reconnecting. Outgoing transfers
// are aborted.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.retry.Stop()
	l := s.link
	for _, cancel := range s.outgoing {
		cancel(nil)
	}
	if l == nil {
		s.setStateLocked(StateDisconnected, 0, 0)
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateClosing, 0, 0)
	s.mu.Unlock()

	l.writeMu.Lock()
	_ = l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(transport.CloseNormal, "bye"),
		time.Now().Add(transport.WriteWait))
	l.writeMu.Unlock()

	select {
	case <-l.done:
	case <-time.After(transport.WriteWait):
		_ = l.ws.Close()
		<-l.done
	}
}

// Close disconnects, stops every timer and wipes key material.
func (s *Session) Close() {
	s.Disconnect()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, r := range s.received {
		crypto.Wipe(r.data)
		delete(s.received, id)
	}
	s.mu.Unlock()

	s.sched.Close()
	s.sched.Wait()
	s.keys.Destroy()
	s.signing.Wipe()
	s.agreement.Wipe()
}

// ping records the send time so the pong can estimate the clock offset.
func (s *Session) ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		s.pingLocked(s.link)
	}
}

func (s *Session) pingLocked(l *link) {
	now := s.now()
	s.lastPing = now
	if err := l.send(models.Ping{Timestamp: now.UnixMilli()}); err != nil {
		s.logger.Debug("ping failed", "error", err)
	}
}

// sweep drops stale nonces and stalled incoming transfers.
func (s *Session) sweep() {
	s.nonces.Cleanup()
	for _, a := range s.assembler.Expire(s.now()) {
		s.logger.Info("incoming file stalled", "file", a.FileID)
		s.emit(FileFailed{FileID: a.FileID, ConnectionID: a.From, Err: a.Err})
	}
}

// File returns a received file's plaintext while it is retained.
func (s *Session) File(fileID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.received[fileID]
	if !ok {
		return nil, false
	}
	return r.data, true
}

// ReleaseFile wipes and forgets a received file.
func (s *Session) ReleaseFile(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.received[fileID]; ok {
		r.release.Stop()
		crypto.Wipe(r.data)
		delete(s.received, fileID)
	}
}

func (s *Session) clearPeersLocked() {
	for id, sec := range s.secrets {
		sec.Wipe()
		delete(s.secrets, id)
	}
	for id := range s.peerKeys {
		delete(s.peerKeys, id)
	}
	for id := range s.members {
		delete(s.members, id)
	}
}

func (s *Session) removePeerLocked(connID string) {
	if sec, ok := s.secrets[connID]; ok {
		sec.Wipe()
		delete(s.secrets, connID)
	}
	delete(s.peerKeys, connID)
	delete(s.members, connID)
}
