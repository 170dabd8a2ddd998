package server

import (
	"fmt"
	"time"

	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/transport"
)

const (
	maxSizeViolations = 3
	maxClockSkew      = 60 * time.Second
)

// HandleEnvelope processes one inbound frame from c.
func (r *Room) HandleEnvelope(c *Conn, data []byte) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.ID] != c {
		return
	}

	if len(data) > transport.MaxEnvelopeSize {
		r.oversizedLocked(c, len(data))
		return
	}

	t, err := models.PeekType(data)
	if err != nil {
		r.logger.Debug("dropping malformed envelope", "room", r.ID, "conn", c.ID, "error", err)
		return
	}
	// Pings and chunks are expected traffic and have their own budget.
	if t != models.TypePing && t != models.TypeFileChunk && !r.messageLimit.Allow(c.ID, now) {
		r.logger.Warn("rate limit exceeded", "room", r.ID, "conn", c.ID)
		r.sendLocked(c, models.Error{Code: models.CodeRateLimitExceeded, Message: "Too many messages. Please slow down."})
		return
	}

	env, err := models.Unmarshal(data)
	if err != nil {
		r.logger.Warn("dropping envelope", "room", r.ID, "conn", c.ID, "type", t, "error", err)
		return
	}

	switch e := env.(type) {
	case *models.Ping:
		c.lastHeartbeat = now
		r.sendLocked(c, models.Pong{Timestamp: now.UnixMilli()})
	case *models.PublicKey:
		c.publicKey = e.PublicKey
		if len(e.ECDHPublicKey) > 0 {
			c.ecdhPublicKey = e.ECDHPublicKey
		}
		r.broadcastLocked(models.PublicKey{
			ConnectionID:  c.ID,
			PublicKey:     c.publicKey,
			ECDHPublicKey: c.ecdhPublicKey,
		}, c.ID)
	case *models.Message:
		r.relayMessageLocked(c, e, now)
	case *models.FileTransferRequest:
		r.requestSlotLocked(c, e)
	case *models.FileTransferComplete:
		if _, ok := r.releaseSlotLocked(c.ID); ok {
			r.logger.Info("file transfer complete", "room", r.ID, "conn", c.ID, "file", e.FileID)
		}
	case *models.FileTransferCancel:
		r.releaseSlotLocked(c.ID)
		r.logger.Info("file transfer cancelled", "room", r.ID, "conn", c.ID, "file", e.FileID)
		r.broadcastLocked(models.FileTransferCancelled{
			FileID:       e.FileID,
			ConnectionID: c.ID,
			Timestamp:    now.UnixMilli(),
		}, "")
	case *models.FileChunk:
		r.relayChunkLocked(c, e, now)
	default:
		r.logger.Warn("unexpected envelope from client", "room", r.ID, "conn", c.ID, "type", t)
	}
}

func (r *Room) oversizedLocked(c *Conn, size int) {
	r.logger.Warn("envelope too large", "room", r.ID, "conn", c.ID, "size", size)
	r.sendLocked(c, models.Error{
		Code:    models.CodeMessageTooLarge,
		Message: fmt.Sprintf("Message exceeds size limit (max %dKB)", transport.MaxEnvelopeSize/1024),
	})
	if r.conns[c.ID] != c {
		return
	}
	r.sizeViolations[c.ID]++
	if r.sizeViolations[c.ID] >= maxSizeViolations {
		r.logger.Warn("closing after repeated size violations", "room", r.ID, "conn", c.ID)
		c.close(transport.ClosePolicy, "Repeated message size violations")
		r.removeLocked(c)
	}
}

// relayMessageLocked fans a chat message out to every member, the sender
// included, giving each recipient only the nickname sealed for it.
func (r *Room) relayMessageLocked(c *Conn, m *models.Message, now time.Time) {
	serverTS := now.UnixMilli()
	skew := time.Duration(serverTS-m.Timestamp) * time.Millisecond
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		r.logger.Warn("clock skew too large", "room", r.ID, "conn", c.ID, "skew", skew)
		r.sendLocked(c, models.Error{
			Code:       models.CodeClockSkew,
			Message:    "Your system clock is not synchronized",
			ServerTime: serverTS,
		})
		return
	}

	var dead []*Conn
	for id, rc := range r.conns {
		out := models.Message{
			ConnectionID:     c.ID,
			EncryptedContent: m.EncryptedContent,
			Timestamp:        m.Timestamp,
			Nonce:            m.Nonce,
			Signature:        m.Signature,
			ServerTimestamp:  serverTS,
		}
		if sealed, ok := m.EncryptedNicknames[id]; ok {
			out.EncryptedNickname = &sealed
		}
		frame, err := models.Marshal(out)
		if err != nil {
			r.logger.Error("encode message", "error", err)
			return
		}
		if !rc.enqueue(frame) {
			dead = append(dead, rc)
		}
	}
	r.dropLocked(dead)
}

// relayChunkLocked forwards a file chunk to everyone but its sender. A
// chunk that breaks the rate or shape limits is dropped and costs the sender
// its transfer slot.
func (r *Room) relayChunkLocked(c *Conn, ch *models.FileChunk, now time.Time) {
	if !r.chunkLimit.Allow(c.ID, now) {
		r.logger.Warn("file chunk rate limit exceeded", "room", r.ID, "conn", c.ID)
		r.sendLocked(c, models.Error{Code: models.CodeFileChunkRateLimit, Message: "File chunks sending too fast. Please slow down."})
		r.abortTransferLocked(c, "chunk rate limit")
		return
	}
	c.lastHeartbeat = now

	switch {
	// Frames are capped at MaxEnvelopeSize before they get here; this bound
	// holds for chunks on its own should that cap ever be raised.
	case len(ch.EncryptedChunk) > transport.MaxChunkPayload:
		r.logger.Warn("file chunk too large", "room", r.ID, "conn", c.ID, "size", len(ch.EncryptedChunk))
		r.abortTransferLocked(c, "chunk too large")
		return
	case len(ch.EncryptedChunk) == 0:
		r.logger.Warn("empty file chunk", "room", r.ID, "conn", c.ID, "index", ch.ChunkIndex)
		r.abortTransferLocked(c, "empty chunk")
		return
	case ch.TotalChunks <= 0 || ch.TotalChunks > transport.MaxChunks:
		r.logger.Warn("invalid chunk count", "room", r.ID, "conn", c.ID, "total", ch.TotalChunks)
		r.abortTransferLocked(c, "invalid chunk count")
		return
	case ch.ChunkIndex < 0 || ch.ChunkIndex >= ch.TotalChunks:
		r.logger.Warn("chunk index out of range", "room", r.ID, "conn", c.ID, "index", ch.ChunkIndex, "total", ch.TotalChunks)
		r.abortTransferLocked(c, "chunk index out of range")
		return
	}
	if ch.ChunkIndex%50 == 0 {
		r.logger.Debug("relaying file chunk", "room", r.ID, "conn", c.ID, "file", ch.FileID, "index", ch.ChunkIndex, "total", ch.TotalChunks)
	}

	out := *ch
	out.ConnectionID = c.ID
	r.broadcastLocked(out, c.ID)
}
