package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/transfer"
)

// SendMessage encrypts, signs and sends text. Each peer with a known
// agreement key gets the nickname sealed for it alone.
func (s *Session) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		text = string([]rune(text)[:MaxMessageLength])
	}

	now := s.now()
	s.mu.Lock()
	l := s.link
	if l == nil || s.state != StateOpen {
		s.mu.Unlock()
		return ErrNotConnected
	}
	for t, at := range s.recent {
		if now.Sub(at) >= DuplicateWindow {
			delete(s.recent, t)
		}
	}
	if _, dup := s.recent[text]; dup {
		s.mu.Unlock()
		return ErrDuplicateMessage
	}
	s.recent[text] = now
	s.mu.Unlock()

	m, err := s.buildMessage(text)
	if err == nil {
		err = l.send(m)
	}
	if err != nil {
		// A failed send must not block the retry.
		s.mu.Lock()
		if at, ok := s.recent[text]; ok && at.Equal(now) {
			delete(s.recent, text)
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Session) buildMessage(text string) (models.Message, error) {
	s.mu.Lock()
	offset := s.offset
	secrets := make(map[string]*crypto.SharedSecret, len(s.secrets))
	for id, sec := range s.secrets {
		secrets[id] = sec
	}
	s.mu.Unlock()

	sealed, err := s.keys.Encrypt([]byte(text))
	if err != nil {
		return models.Message{}, err
	}
	nonce, err := crypto.GenerateNonce(offset)
	if err != nil {
		return models.Message{}, fmt.Errorf("generate nonce: %w", err)
	}
	input, err := crypto.SigningInput(sealed, nonce.Timestamp, nonce)
	if err != nil {
		return models.Message{}, err
	}

	nicknames := make(map[string]models.Sealed, len(secrets))
	for id, sec := range secrets {
		n, err := sec.Seal([]byte(s.cfg.Nickname))
		if err != nil {
			continue
		}
		nicknames[id] = n
	}
	return models.Message{
		EncryptedContent:   sealed,
		Timestamp:          nonce.Timestamp,
		Nonce:              nonce,
		Signature:          s.signing.Sign(input),
		EncryptedNicknames: nicknames,
	}, nil
}

// SlotDeniedError is returned when the room's transfer slot is taken.
type SlotDeniedError struct {
	Reason        string
	ActiveCount   int
	MaxConcurrent int
}

func (e *SlotDeniedError) Error() string {
	return fmt.Sprintf("%v: %s (%d/%d active)", ErrSlotDenied, e.Reason, e.ActiveCount, e.MaxConcurrent)
}

func (e *SlotDeniedError) Unwrap() error { return ErrSlotDenied }

// SendFile asks the relay for the transfer slot, then streams the file.
// It blocks until the file is sent, the context is cancelled, CancelFile
// is called with the returned id or the relay aborts the transfer
// (ErrTransferAborted). onStart, if set, receives the file id before any
// chunk goes out.
func (s *Session) SendFile(ctx context.Context, name, mimeType, description string, data []byte, onStart func(fileID string)) (string, error) {
	out, err := transfer.Prepare(s.keys, name, mimeType, description, data)
	if err != nil {
		return "", err
	}
	id := out.FileID

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	waiter := make(chan models.FileTransferResponse, 1)

	s.mu.Lock()
	l := s.link
	if l == nil || s.state != StateOpen {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	s.slotWaiters[id] = waiter
	s.outgoing[id] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.slotWaiters, id)
		delete(s.outgoing, id)
		s.mu.Unlock()
	}()
	if onStart != nil {
		onStart(id)
	}

	if err := l.send(models.FileTransferRequest{FileID: id, TotalChunks: len(out.Chunks)}); err != nil {
		return id, ErrConnectionLost
	}
	var resp models.FileTransferResponse
	select {
	case resp = <-waiter:
	case <-ctx.Done():
		// The grant may already be in flight.
		_ = l.send(models.FileTransferCancel{FileID: id})
		return id, context.Cause(ctx)
	case <-l.done:
		return id, ErrConnectionLost
	}
	if !resp.Allowed {
		return id, &SlotDeniedError{Reason: resp.Reason, ActiveCount: resp.ActiveCount, MaxConcurrent: resp.MaxConcurrent}
	}

	abort := func(cause error) (string, error) {
		// The relay has already released the slot if it aborted.
		if !errors.Is(cause, ErrTransferAborted) {
			_ = l.send(models.FileTransferCancel{FileID: id})
		}
		return id, cause
	}
	pace := time.NewTimer(ChunkInterval)
	defer pace.Stop()
	for i := range out.Chunks {
		if i > 0 {
			pace.Reset(ChunkInterval)
			select {
			case <-pace.C:
			case <-ctx.Done():
				return abort(context.Cause(ctx))
			case <-l.done:
				return id, ErrConnectionLost
			}
		}
		frame, err := models.Marshal(out.Chunks[i])
		if err != nil {
			return abort(err)
		}
		if len(frame) > transfer.MaxEncodedChunk {
			return abort(transfer.ErrChunkTooLarge)
		}
		if err := l.write(frame); err != nil {
			return id, ErrConnectionLost
		}
		s.emit(FileProgress{FileID: id, Sent: i + 1, Total: len(out.Chunks)})
	}

	if ctx.Err() != nil {
		return abort(context.Cause(ctx))
	}
	if err := l.send(models.FileTransferComplete{FileID: id}); err != nil {
		return id, ErrConnectionLost
	}
	s.logger.Info("file sent", "file", id, "chunks", len(out.Chunks))
	s.emit(FileSent{FileID: id, Name: name})
	return id, nil
}

// CancelFile aborts an outgoing transfer or discards an incoming one.
func (s *Session) CancelFile(fileID string) bool {
	s.mu.Lock()
	cancel, ok := s.outgoing[fileID]
	s.mu.Unlock()
	if ok {
		cancel(nil)
		return true
	}
	return s.assembler.Cancel(fileID)
}

// abortOutgoingLocked stops the outgoing transfer fileID, or every outgoing
// transfer when fileID is empty, after the relay dropped it.
func (s *Session) abortOutgoingLocked(fileID string) {
	for id, cancel := range s.outgoing {
		if fileID == "" || id == fileID {
			s.logger.Warn("relay aborted outgoing file", "file", id)
			cancel(ErrTransferAborted)
		}
	}
}
