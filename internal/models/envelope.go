package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is implemented by every message that travels over the socket.
// The set is closed: Unmarshal only ever returns the types in this file.
type Envelope interface {
	Kind() Type
}

type Ping struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Pong carries the relay clock in milliseconds.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// PublicKey announces a participant's signing and key-agreement keys.
// ConnectionID is filled in by the relay.
type PublicKey struct {
	ConnectionID  string `json:"connectionId,omitempty"`
	PublicKey     []byte `json:"publicKey"`
	ECDHPublicKey []byte `json:"ecdhPublicKey,omitempty"`
}

// Message is a signed, encrypted chat line. Outbound it carries one sealed
// nickname per recipient; the relay forwards each recipient only its own.
type Message struct {
	ConnectionID       string            `json:"connectionId,omitempty"`
	EncryptedContent   Sealed            `json:"encryptedContent"`
	Timestamp          int64             `json:"timestamp"`
	Nonce              Nonce             `json:"nonce"`
	Signature          []byte            `json:"signature"`
	EncryptedNicknames map[string]Sealed `json:"encryptedNicknames,omitempty"`
	EncryptedNickname  *Sealed           `json:"encryptedNickname,omitempty"`
	ServerTimestamp    int64             `json:"serverTimestamp,omitempty"`
}

type FileTransferRequest struct {
	FileID      string `json:"fileId"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

type FileTransferResponse struct {
	FileID        string `json:"fileId"`
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	ActiveCount   int    `json:"activeCount"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

type FileTransferComplete struct {
	FileID string `json:"fileId"`
}

type FileTransferCancel struct {
	FileID string `json:"fileId"`
}

type FileTransferCancelled struct {
	FileID       string `json:"fileId"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// FileChunk is one slice of an encrypted file. Metadata rides on chunk 0.
type FileChunk struct {
	ConnectionID   string  `json:"connectionId,omitempty"`
	FileID         string  `json:"fileId"`
	ChunkIndex     int     `json:"chunkIndex"`
	TotalChunks    int     `json:"totalChunks"`
	EncryptedChunk []byte  `json:"encryptedChunk"`
	Metadata       *Sealed `json:"metadata,omitempty"`
}

type Connected struct {
	ConnectionID string       `json:"connectionId"`
	Nickname     string       `json:"nickname"`
	OnlineUsers  []OnlineUser `json:"onlineUsers"`
}

type UserJoined struct {
	ConnectionID string       `json:"connectionId"`
	Nickname     string       `json:"nickname"`
	Timestamp    int64        `json:"timestamp,omitempty"`
	OnlineUsers  []OnlineUser `json:"onlineUsers,omitempty"`
}

type UserLeft struct {
	ConnectionID string       `json:"connectionId"`
	Nickname     string       `json:"nickname"`
	Timestamp    int64        `json:"timestamp,omitempty"`
	OnlineUsers  []OnlineUser `json:"onlineUsers,omitempty"`
}

type OnlineUsers struct {
	Users []OnlineUser `json:"users"`
}

type Kicked struct {
	Reason  KickReason `json:"reason"`
	Message string     `json:"message,omitempty"`
}

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message,omitempty"`
	ServerTime int64     `json:"serverTime,omitempty"`
}

func (Ping) Kind() Type                  { return TypePing }
func (Pong) Kind() Type                  { return TypePong }
func (PublicKey) Kind() Type             { return TypePublicKey }
func (Message) Kind() Type               { return TypeMessage }
func (FileTransferRequest) Kind() Type   { return TypeFileTransferRequest }
func (FileTransferResponse) Kind() Type  { return TypeFileTransferResponse }
func (FileTransferComplete) Kind() Type  { return TypeFileTransferComplete }
func (FileTransferCancel) Kind() Type    { return TypeFileTransferCancel }
func (FileTransferCancelled) Kind() Type { return TypeFileTransferCancelled }
func (FileChunk) Kind() Type             { return TypeFileChunk }
func (Connected) Kind() Type             { return TypeConnected }
func (UserJoined) Kind() Type            { return TypeUserJoined }
func (UserLeft) Kind() Type              { return TypeUserLeft }
func (OnlineUsers) Kind() Type           { return TypeOnlineUsers }
func (Kicked) Kind() Type                { return TypeKicked }
func (Error) Kind() Type                 { return TypeError }

func newEnvelope(t Type) Envelope {
	switch t {
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypePublicKey:
		return &PublicKey{}
	case TypeMessage:
		return &Message{}
	case TypeFileTransferRequest:
		return &FileTransferRequest{}
	case TypeFileTransferResponse:
		return &FileTransferResponse{}
	case TypeFileTransferComplete:
		return &FileTransferComplete{}
	case TypeFileTransferCancel:
		return &FileTransferCancel{}
	case TypeFileTransferCancelled:
		return &FileTransferCancelled{}
	case TypeFileChunk:
		return &FileChunk{}
	case TypeConnected:
		return &Connected{}
	case TypeUserJoined:
		return &UserJoined{}
	case TypeUserLeft:
		return &UserLeft{}
	case TypeOnlineUsers:
		return &OnlineUsers{}
	case TypeKicked:
		return &Kicked{}
	case TypeError:
		return &Error{}
	}
	return nil
}

// Marshal encodes e as a JSON object whose "type" member comes first.
func Marshal(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	kind, err := json.Marshal(e.Kind())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(kind)+9)
	out = append(out, `{"type":`...)
	out = append(out, kind...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

// PeekType reads only the "type" member of an encoded envelope.
func PeekType(data []byte) (Type, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return head.Type, nil
}

// Unmarshal decodes an envelope and returns a pointer to its concrete type.
func Unmarshal(data []byte) (Envelope, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	e := newEnvelope(t)
	if e == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}
