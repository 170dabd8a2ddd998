package transport

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Constants for default server configuration.
const (
	// DefaultServerPort is the default port the server listens on.
	DefaultServerPort = ":8082"
	// DefaultServerURL is the default URL for the server.
	DefaultServerURL = "http://localhost:8082"
)

// Wire limits shared by relay and client.
const (
	// MaxEnvelopeSize is the largest text frame the relay accepts.
	MaxEnvelopeSize = 100 * 1024
	// MaxChunkPayload caps the encoded encryptedChunk field.
	MaxChunkPayload = 512 * 1024
	// MaxChunks caps totalChunks for one file.
	MaxChunks = 1000
	// ReadLimit is the hard frame limit on the socket. Frames between
	// MaxEnvelopeSize and ReadLimit are answered with MESSAGE_TOO_LARGE
	// instead of dropping the connection.
	ReadLimit = 1024 * 1024
)

// WebSocket close codes used by the protocol.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	ClosePolicy    = 1008
)

// Timing the relay and client agree on.
const (
	ClientHeartbeatInterval = 20 * time.Second
	WriteWait               = 10 * time.Second
)

// JoinParams are the query parameters of a room join.
type JoinParams struct {
	RoomID    string
	Nickname  string
	DeviceID  string
	SessionID string
}

// RoomURL converts an http(s) server URL into the ws(s) URL of a room.
func RoomURL(serverURL string, p JoinParams) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if p.RoomID == "" {
		return "", fmt.Errorf("room id required")
	}
	rawPrefix := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + p.RoomID
	u.RawPath = rawPrefix + "/ws/" + url.PathEscape(p.RoomID)
	q := url.Values{}
	q.Set("nickname", p.Nickname)
	if p.DeviceID != "" {
		q.Set("deviceId", p.DeviceID)
	}
	if p.SessionID != "" {
		q.Set("sessionId", p.SessionID)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
