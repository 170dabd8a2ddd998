package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

var ErrInvalidShareLink = errors.New("invalid share link")

const shareFragmentPrefix = "join="

type sharePayload struct {
	Room     string `json:"r"`
	Password string `json:"p"`
}

// CreateShareLink encodes the room and password into the URL fragment so
// they are never sent to the relay.
func CreateShareLink(origin, roomID, password string) (string, error) {
	if roomID == "" {
		return "", ErrEmptyRoom
	}
	if password == "" {
		return "", ErrEmptyPassword
	}
	data, err := json.Marshal(sharePayload{Room: roomID, Password: password})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(origin, "/") + "/#" + shareFragmentPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseShareLink is the inverse of CreateShareLink.
func ParseShareLink(link string) (roomID, password string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", ErrInvalidShareLink
	}
	encoded, ok := strings.CutPrefix(u.Fragment, shareFragmentPrefix)
	if !ok || encoded == "" {
		return "", "", ErrInvalidShareLink
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", ErrInvalidShareLink
	}
	var p sharePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Room == "" || p.Password == "" {
		return "", "", ErrInvalidShareLink
	}
	return p.Room, p.Password, nil
}
