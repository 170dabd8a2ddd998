package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aydomini/EchoVault/internal/admission"
	"github.com/aydomini/EchoVault/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const sendQueueSize = 256

// socket is the part of *websocket.Conn the pumps use.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one admitted (or about to be admitted) participant.
type Conn struct {
	ID        string
	Nickname  string
	DeviceID  string
	SessionID string
	RemoteIP  string

	ws   socket
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// Guarded by the owning room's lock.
	lastHeartbeat time.Time
	publicKey     []byte
	ecdhPublicKey []byte
}

func newConn(ws socket, req admission.Request) *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		Nickname:  req.Nickname,
		DeviceID:  req.DeviceID,
		SessionID: req.SessionID,
		RemoteIP:  req.RemoteIP,
		ws:        ws,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *Conn) request() admission.Request {
	return admission.Request{
		Nickname:  c.Nickname,
		DeviceID:  c.DeviceID,
		SessionID: c.SessionID,
		RemoteIP:  c.RemoteIP,
	}
}

// enqueue queues a frame without blocking. It fails once the connection is
// closing or when the queue is full.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close asks the write pump to flush queued frames and then send a close
// frame. Only the first call has effect.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed when the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writePump(logger *slog.Logger) {
	defer func() { _ = c.ws.Close() }()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				logger.Debug("write failed", "conn", c.ID, "error", err)
				c.close(transport.CloseNormal, "")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(transport.WriteWait))
			return
		}
	}
}

// flush writes whatever is still queued, so error and kick notices reach
// the peer before the close frame.
func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(transport.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// readPump feeds inbound frames to the room until the socket fails.
func (c *Conn) readPump(r *Room) {
	defer func() {
		r.Leave(c)
		c.close(transport.CloseNormal, "")
	}()
	c.ws.SetReadLimit(transport.ReadLimit)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				r.logger.Debug("read failed", "room", r.ID, "conn", c.ID, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		r.HandleEnvelope(c, data)
	}
}
