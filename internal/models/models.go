package models

// Type names an envelope on the wire.
type Type string

const (
	TypePing                  Type = "ping"
	TypePong                  Type = "pong"
	TypePublicKey             Type = "public_key"
	TypeMessage               Type = "message"
	TypeFileTransferRequest   Type = "file_transfer_request"
	TypeFileTransferResponse  Type = "file_transfer_response"
	TypeFileTransferComplete  Type = "file_transfer_complete"
	TypeFileTransferCancel    Type = "file_transfer_cancel"
	TypeFileTransferCancelled Type = "file_transfer_cancelled"
	TypeFileChunk             Type = "file_chunk"
	TypeConnected             Type = "connected"
	TypeUserJoined            Type = "user_joined"
	TypeUserLeft              Type = "user_left"
	TypeOnlineUsers           Type = "online_users"
	TypeKicked                Type = "kicked"
	TypeError                 Type = "error"
)

// ErrorCode is carried by error envelopes.
type ErrorCode string

const (
	CodeRoomFull           ErrorCode = "ROOM_FULL"
	CodeTooManyConnections ErrorCode = "TOO_MANY_CONNECTIONS"
	CodeInvalidNickname    ErrorCode = "INVALID_NICKNAME"
	CodeInvalidDeviceID    ErrorCode = "INVALID_DEVICE_ID"
	CodeInvalidSessionID   ErrorCode = "INVALID_SESSION_ID"
	CodeNicknameInUse      ErrorCode = "NICKNAME_IN_USE"
	CodeMessageTooLarge    ErrorCode = "MESSAGE_TOO_LARGE"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeFileChunkRateLimit ErrorCode = "FILE_CHUNK_RATE_LIMIT"
	CodeClockSkew          ErrorCode = "CLOCK_SKEW"
)

// ReasonTooManyTransfers is the denial reason of a file_transfer_response.
const ReasonTooManyTransfers = "TOO_MANY_TRANSFERS"

// KickReason says why the relay replaced a connection.
type KickReason string

const (
	KickReconnection   KickReason = "reconnection"
	KickNewDeviceLogin KickReason = "new_device_login"
)

// Sealed is an AEAD ciphertext with the IV it was sealed under.
type Sealed struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
}

// Nonce accompanies every chat message. Value is "<timestamp>-<random>".
type Nonce struct {
	Timestamp int64  `json:"timestamp"`
	Random    string `json:"random"`
	Value     string `json:"value"`
}

// OnlineUser is one entry of a member list.
type OnlineUser struct {
	ConnectionID string `json:"connectionId"`
	Nickname     string `json:"nickname"`
}
