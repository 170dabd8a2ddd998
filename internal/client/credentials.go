package client

import (
	"errors"
	"os"

	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/session"
	"github.com/spf13/cobra"
)

// PasswordEnv is read when no --password flag is given, so the password
// does not have to appear in shell history.
const PasswordEnv = "ECHOVAULT_PASSWORD"

var (
	ErrNoRoom     = errors.New("room required (argument or --link)")
	ErrNoPassword = errors.New("room password required (--password, --link or " + PasswordEnv + ")")
)

func addRoomFlags(cmd *cobra.Command) {
	cmd.Flags().String("password", "", "room password (default $"+PasswordEnv+")")
	cmd.Flags().String("link", "", "share link carrying room and password")
	cmd.Flags().String("nickname", "", "nickname for this session (default from config)")
}

// roomCredentials resolves the room and password. A share link wins over
// the room argument; an explicit password wins over the link.
func roomCredentials(cmd *cobra.Command, room string) (string, string, error) {
	link, _ := cmd.Flags().GetString("link")
	password, _ := cmd.Flags().GetString("password")

	if link != "" {
		linkRoom, linkPassword, err := crypto.ParseShareLink(link)
		if err != nil {
			return "", "", err
		}
		room = linkRoom
		if password == "" {
			password = linkPassword
		}
	}
	if password == "" {
		password = os.Getenv(PasswordEnv)
	}
	if room == "" {
		return "", "", ErrNoRoom
	}
	if password == "" {
		return "", "", ErrNoPassword
	}
	return room, password, nil
}

func sessionConfig(cmd *cobra.Command, room, password string) session.Config {
	nickname, _ := cmd.Flags().GetString("nickname")
	if nickname == "" {
		nickname = cfg.Nickname
	}
	return session.Config{
		ServerURL: cfg.ServerURL,
		RoomID:    room,
		Password:  password,
		Nickname:  nickname,
		DeviceID:  cfg.DeviceID,
		Logger:    newLogger(),
	}
}
