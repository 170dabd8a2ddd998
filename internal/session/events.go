package session

import (
	"time"

	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/transfer"
)

// Event is delivered on Session.Events.
type Event interface {
	isEvent()
}

// StateChanged reports a connection state transition. Attempt counts
// reconnect attempts and is zero otherwise.
type StateChanged struct {
	State   State
	Attempt int
	Delay   time.Duration
}

// Joined is emitted when the relay confirms the join.
type Joined struct {
	ConnectionID string
	Members      []models.OnlineUser
}

type MemberJoined struct {
	ConnectionID string
	Nickname     string
}

type MemberLeft struct {
	ConnectionID string
	Nickname     string
}

// PeerKey is emitted when a participant announces its keys.
type PeerKey struct {
	ConnectionID string
	Fingerprint  string
}

// ChatMessage is a verified, decrypted message.
type ChatMessage struct {
	ConnectionID string
	Nickname     string
	Text         string
	Timestamp    time.Time
	Own          bool
}

// FileReceived carries a verified file. Data is released after
// BlobRetention; copy it out if it is needed longer.
type FileReceived struct {
	FileID       string
	ConnectionID string
	Nickname     string
	Metadata     transfer.Metadata
	Data         []byte
	Duplicates   int
}

// FileFailed reports an incoming transfer that will not complete.
type FileFailed struct {
	FileID       string
	ConnectionID string
	Err          error
}

// FileProgress reports outgoing chunks sent so far.
type FileProgress struct {
	FileID string
	Sent   int
	Total  int
}

// FileSent is emitted after file_transfer_complete went out.
type FileSent struct {
	FileID string
	Name   string
}

// Notice relays an error envelope from the relay.
type Notice struct {
	Code    models.ErrorCode
	Message string
}

// Kicked is emitted when the relay replaced this connection.
type Kicked struct {
	Reason  models.KickReason
	Message string
}

func (StateChanged) isEvent() {}
func (Joined) isEvent()       {}
func (MemberJoined) isEvent() {}
func (MemberLeft) isEvent()   {}
func (PeerKey) isEvent()      {}
func (ChatMessage) isEvent()  {}
func (FileReceived) isEvent() {}
func (FileFailed) isEvent()   {}
func (FileProgress) isEvent() {}
func (FileSent) isEvent()     {}
func (Notice) isEvent()       {}
func (Kicked) isEvent()       {}
