package session

import (
	"errors"
	"time"

	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/transfer"
)

var (
	errUnknownSender = errors.New("no public key for sender")
	errBadSignature  = errors.New("signature verification failed")
)

func (s *Session) handle(data []byte) {
	env, err := models.Unmarshal(data)
	if err != nil {
		s.logger.Debug("dropping frame", "error", err)
		return
	}

	switch e := env.(type) {
	case *models.Pong:
		s.onPong(e)
	case *models.Connected:
		s.mu.Lock()
		s.connID = e.ConnectionID
		s.setMembersLocked(e.OnlineUsers)
		if l := s.link; l != nil && !l.admitted {
			l.admitted = true
			close(l.joined)
		}
		s.mu.Unlock()
		s.emit(Joined{ConnectionID: e.ConnectionID, Members: e.OnlineUsers})
	case *models.UserJoined:
		s.mu.Lock()
		s.members[e.ConnectionID] = e.Nickname
		if e.OnlineUsers != nil {
			s.setMembersLocked(e.OnlineUsers)
		}
		s.mu.Unlock()
		s.emit(MemberJoined{ConnectionID: e.ConnectionID, Nickname: e.Nickname})
	case *models.UserLeft:
		s.onUserLeft(e)
	case *models.OnlineUsers:
		s.mu.Lock()
		s.setMembersLocked(e.Users)
		s.mu.Unlock()
	case *models.PublicKey:
		s.onPublicKey(e)
	case *models.Message:
		msg, err := s.openMessage(e)
		if err != nil {
			s.logger.Debug("dropping message", "from", e.ConnectionID, "error", err)
			return
		}
		s.emit(msg)
	case *models.FileTransferResponse:
		s.mu.Lock()
		w, ok := s.slotWaiters[e.FileID]
		s.mu.Unlock()
		if ok {
			select {
			case w <- *e:
			default:
			}
		}
	case *models.FileTransferCancelled:
		s.mu.Lock()
		if e.ConnectionID != "" && e.ConnectionID == s.connID {
			s.abortOutgoingLocked(e.FileID)
		}
		s.mu.Unlock()
		if s.assembler.Cancel(e.FileID) {
			s.emit(FileFailed{FileID: e.FileID, ConnectionID: e.ConnectionID, Err: transfer.ErrCancelled})
		}
	case *models.FileChunk:
		s.onChunk(e)
	case *models.Kicked:
		s.mu.Lock()
		s.shouldReconnect = false
		s.mu.Unlock()
		s.logger.Info("kicked by relay", "reason", e.Reason)
		s.emit(Kicked{Reason: e.Reason, Message: e.Message})
	case *models.Error:
		s.onError(e)
	}
}

func (s *Session) setMembersLocked(users []models.OnlineUser) {
	for id := range s.members {
		delete(s.members, id)
	}
	for _, u := range users {
		s.members[u.ConnectionID] = u.Nickname
	}
}

// onPong sets offset so that local time plus offset approximates relay
// time, assuming a symmetric round trip.
func (s *Session) onPong(p *models.Pong) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPing.IsZero() {
		return
	}
	rtt := now.Sub(s.lastPing)
	s.offset = time.UnixMilli(p.Timestamp).Add(rtt / 2).Sub(now)
}

func (s *Session) onError(e *models.Error) {
	s.mu.Lock()
	// Before connected the relay only speaks to refuse the join.
	if l := s.link; l != nil && !l.admitted {
		l.rejected = &RejectedError{Code: e.Code, Message: e.Message}
	}
	switch e.Code {
	case models.CodeNicknameInUse:
		s.shouldReconnect = false
	case models.CodeFileChunkRateLimit:
		s.abortOutgoingLocked("")
	case models.CodeClockSkew:
		if e.ServerTime > 0 {
			s.offset = time.UnixMilli(e.ServerTime).Sub(s.now())
		}
	}
	s.mu.Unlock()
	s.logger.Info("relay error", "code", e.Code, "message", e.Message)
	s.emit(Notice{Code: e.Code, Message: e.Message})
}

func (s *Session) onPublicKey(k *models.PublicKey) {
	if k.ConnectionID == "" || len(k.PublicKey) == 0 {
		return
	}
	var secret *crypto.SharedSecret
	if len(k.ECDHPublicKey) > 0 {
		sec, err := s.agreement.DeriveSharedSecret(k.ECDHPublicKey)
		if err != nil {
			s.logger.Warn("rejecting peer agreement key", "peer", k.ConnectionID, "error", err)
		} else {
			secret = sec
		}
	}

	s.mu.Lock()
	if k.ConnectionID == s.connID {
		s.mu.Unlock()
		if secret != nil {
			secret.Wipe()
		}
		return
	}
	s.peerKeys[k.ConnectionID] = k.PublicKey
	if old, ok := s.secrets[k.ConnectionID]; ok {
		old.Wipe()
		delete(s.secrets, k.ConnectionID)
	}
	if secret != nil {
		s.secrets[k.ConnectionID] = secret
	}
	s.mu.Unlock()
	s.emit(PeerKey{ConnectionID: k.ConnectionID, Fingerprint: crypto.Fingerprint(k.PublicKey)})
}

func (s *Session) onUserLeft(e *models.UserLeft) {
	s.mu.Lock()
	s.removePeerLocked(e.ConnectionID)
	if e.OnlineUsers != nil {
		s.setMembersLocked(e.OnlineUsers)
	}
	s.mu.Unlock()

	for _, a := range s.assembler.AbortFrom(e.ConnectionID) {
		s.emit(FileFailed{FileID: a.FileID, ConnectionID: a.From, Err: a.Err})
	}
	s.emit(MemberLeft{ConnectionID: e.ConnectionID, Nickname: e.Nickname})
}

// openMessage runs the inbound pipeline. The nonce is committed only once
// the signature has verified, so a forged message cannot burn a nonce.
func (s *Session) openMessage(m *models.Message) (ChatMessage, error) {
	s.mu.Lock()
	own := m.ConnectionID != "" && m.ConnectionID == s.connID
	peerKey := s.peerKeys[m.ConnectionID]
	secret := s.secrets[m.ConnectionID]
	offset := s.offset
	s.mu.Unlock()

	nickname := EncryptedPlaceholder
	switch {
	case own:
		nickname = s.cfg.Nickname
	case m.EncryptedNickname != nil && secret != nil:
		if b, err := secret.Open(*m.EncryptedNickname); err == nil {
			nickname = string(b)
		}
	}

	if err := s.nonces.Verify(m.Nonce, offset); err != nil {
		return ChatMessage{}, err
	}
	if !own {
		if peerKey == nil {
			return ChatMessage{}, errUnknownSender
		}
		input, err := crypto.SigningInput(m.EncryptedContent, m.Timestamp, m.Nonce)
		if err != nil {
			return ChatMessage{}, err
		}
		if !crypto.Verify(peerKey, input, m.Signature) {
			return ChatMessage{}, errBadSignature
		}
	}
	s.nonces.Commit(m.Nonce, offset)

	text, err := s.keys.Decrypt(m.EncryptedContent)
	if err != nil {
		return ChatMessage{}, err
	}
	ts := m.ServerTimestamp
	if ts == 0 {
		ts = m.Timestamp
	}
	return ChatMessage{
		ConnectionID: m.ConnectionID,
		Nickname:     nickname,
		Text:         string(text),
		Timestamp:    time.UnixMilli(ts),
		Own:          own,
	}, nil
}

func (s *Session) onChunk(ch *models.FileChunk) {
	s.mu.Lock()
	if ch.ConnectionID == s.connID {
		s.mu.Unlock()
		return
	}
	s.chunksSeen++
	if s.chunksSeen%PingEveryChunks == 0 && s.link != nil {
		s.pingLocked(s.link)
	}
	s.mu.Unlock()

	done, err := s.assembler.Add(ch)
	if err != nil {
		if errors.Is(err, transfer.ErrInvalidChunk) {
			s.logger.Debug("dropping chunk", "file", ch.FileID, "index", ch.ChunkIndex)
			return
		}
		s.logger.Warn("incoming file failed", "file", ch.FileID, "error", err)
		s.emit(FileFailed{FileID: ch.FileID, ConnectionID: ch.ConnectionID, Err: err})
		return
	}
	if done == nil {
		return
	}

	s.mu.Lock()
	nickname, ok := s.members[done.From]
	if !ok {
		nickname = EncryptedPlaceholder
	}
	id := done.FileID
	s.received[id] = &received{
		data:    done.Data,
		release: s.sched.After(BlobRetention, func() { s.ReleaseFile(id) }),
	}
	s.mu.Unlock()

	s.logger.Info("file received", "file", id, "size", done.Metadata.Size, "elapsed", done.Elapsed)
	s.emit(FileReceived{
		FileID:       id,
		ConnectionID: done.From,
		Nickname:     nickname,
		Metadata:     done.Metadata,
		Data:         done.Data,
		Duplicates:   done.Duplicates,
	})
}
