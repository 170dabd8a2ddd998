// Package admission implements the checks a relay applies before and after
// a connection joins a room: occupancy and per-address caps, identity field
// validation, and sliding-window rate limits.
package admission

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/aydomini/EchoVault/internal/models"
	"github.com/google/uuid"
)

const (
	DefaultMaxConnections      = 30
	DefaultMaxConnectionsPerIP = 5
	MaxNicknameLength          = 50
)

var nicknamePattern = regexp.MustCompile(`^[A-Za-z0-9_\x{4e00}-\x{9fa5}]+$`)

// Error is an admission or protocol rejection with a wire code.
type Error struct {
	Code    models.ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope renders e as the error envelope sent to the client.
func (e *Error) Envelope() models.Error {
	return models.Error{Code: e.Code, Message: e.Message}
}

func reject(code models.ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Limits caps room occupancy.
type Limits struct {
	MaxConnections      int
	MaxConnectionsPerIP int
}

func DefaultLimits() Limits {
	return Limits{
		MaxConnections:      DefaultMaxConnections,
		MaxConnectionsPerIP: DefaultMaxConnectionsPerIP,
	}
}

// Request is what a client declares when it asks to join.
type Request struct {
	Nickname  string
	DeviceID  string
	SessionID string
	RemoteIP  string
}

// Check runs the join gates in order and returns the first failure.
// occupancy is the room's current size, fromIP the number of live
// connections from req.RemoteIP.
func Check(req Request, occupancy, fromIP int, l Limits) error {
	if occupancy >= l.MaxConnections {
		return reject(models.CodeRoomFull, "Room is full")
	}
	if fromIP >= l.MaxConnectionsPerIP {
		return reject(models.CodeTooManyConnections, "Too many connections from this IP")
	}
	if err := ValidateNickname(req.Nickname); err != nil {
		return err
	}
	if req.DeviceID != "" && !ValidUUID(req.DeviceID) {
		return reject(models.CodeInvalidDeviceID, "Invalid device ID format")
	}
	if req.SessionID != "" && !ValidUUID(req.SessionID) {
		return reject(models.CodeInvalidSessionID, "Invalid session ID format")
	}
	return nil
}

// ValidateNickname enforces length and character class.
func ValidateNickname(nickname string) error {
	if nickname == "" {
		return reject(models.CodeInvalidNickname, "Nickname cannot be empty")
	}
	if utf8.RuneCountInString(nickname) > MaxNicknameLength {
		return reject(models.CodeInvalidNickname, fmt.Sprintf("Nickname too long (max %d characters)", MaxNicknameLength))
	}
	if !nicknamePattern.MatchString(nickname) {
		return reject(models.CodeInvalidNickname, "Nickname contains invalid characters")
	}
	return nil
}

// ValidUUID accepts only the canonical 8-4-4-4-12 form.
func ValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
