package client

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/store"
	"github.com/spf13/cobra"
)

func setupTestConfig(t *testing.T) (string, func()) {
	tmpDir, err := os.MkdirTemp("", "echovault-client-cmd-test")
	if err != nil {
		t.Fatal(err)
	}

	configPath := filepath.Join(tmpDir, "config.json")
	cfg = defaultConfig()
	cfg.ServerURL = "http://localhost:8082"
	cfgFile = configPath // Set global cfgFile

	return configPath, func() {
		_ = os.RemoveAll(tmpDir)
		cfg = nil
		cfgFile = ""
	}
}

// capture points cmd's output at a buffer for the duration of the test.
func capture(t *testing.T, cmd *cobra.Command) *bytes.Buffer {
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	t.Cleanup(func() { cmd.SetOut(nil) })
	return &buf
}

func resetFlags(t *testing.T, cmd *cobra.Command, names ...string) {
	t.Cleanup(func() {
		for _, n := range names {
			_ = cmd.Flags().Set(n, "")
		}
	})
}

func TestInitCmd(t *testing.T) {
	configPath, cleanup := setupTestConfig(t)
	defer cleanup()
	out := capture(t, configInitCmd)
	resetFlags(t, configInitCmd, "nickname", "server", "download-dir")

	_ = configInitCmd.Flags().Set("nickname", "alice")
	_ = configInitCmd.Flags().Set("server", "https://relay.example")
	_ = configInitCmd.Flags().Set("download-dir", "/tmp/echovault-downloads")

	configInitCmd.Run(configInitCmd, []string{})

	if cfg.Nickname != "alice" {
		t.Errorf("Expected nickname alice, got %s", cfg.Nickname)
	}
	if !strings.Contains(out.String(), "Initialized as alice") {
		t.Errorf("unexpected output %q", out.String())
	}

	// Verify file was saved
	loaded, _ := LoadConfig(configPath)
	if loaded.Nickname != "alice" || loaded.ServerURL != "https://relay.example" {
		t.Errorf("Config not saved to disk: %+v", loaded)
	}
	if loaded.Sink.Dir != "/tmp/echovault-downloads" {
		t.Errorf("Download dir not saved: %+v", loaded.Sink)
	}
}

func TestInitCmdRejectsBadNickname(t *testing.T) {
	configPath, cleanup := setupTestConfig(t)
	defer cleanup()
	out := capture(t, configInitCmd)
	resetFlags(t, configInitCmd, "nickname")

	_ = configInitCmd.Flags().Set("nickname", "bad name!")
	configInitCmd.Run(configInitCmd, []string{})

	if !strings.Contains(out.String(), "Invalid nickname") {
		t.Errorf("expected rejection, got %q", out.String())
	}
	if _, err := os.Stat(configPath); !os.IsNotExist(err) {
		t.Error("config should not be written for an invalid nickname")
	}
}

func TestSetServerCmd(t *testing.T) {
	configPath, cleanup := setupTestConfig(t)
	defer cleanup()
	out := capture(t, setServerCmd)

	setServerCmd.Run(setServerCmd, []string{"https://relay.example"})
	loaded, _ := LoadConfig(configPath)
	if loaded.ServerURL != "https://relay.example" {
		t.Errorf("Expected server URL saved, got %s", loaded.ServerURL)
	}

	out.Reset()
	setServerCmd.Run(setServerCmd, []string{"not a url"})
	if !strings.Contains(out.String(), "Invalid server URL") {
		t.Errorf("expected rejection, got %q", out.String())
	}
}

func TestSetNicknameCmd(t *testing.T) {
	_, cleanup := setupTestConfig(t)
	defer cleanup()
	out := capture(t, setNicknameCmd)

	setNicknameCmd.Run(setNicknameCmd, []string{"bob_2"})
	if cfg.Nickname != "bob_2" {
		t.Errorf("Expected nickname bob_2, got %s", cfg.Nickname)
	}

	setNicknameCmd.Run(setNicknameCmd, []string{strings.Repeat("x", 51)})
	if cfg.Nickname != "bob_2" {
		t.Error("Overlong nickname should be rejected")
	}
	if !strings.Contains(out.String(), "Invalid nickname") {
		t.Errorf("expected rejection, got %q", out.String())
	}
}

func TestSetSinkCmd(t *testing.T) {
	_, cleanup := setupTestConfig(t)
	defer cleanup()
	out := capture(t, setSinkCmd)
	resetFlags(t, setSinkCmd, "dir", "bucket", "region", "prefix")

	setSinkCmd.Run(setSinkCmd, []string{"s3"})
	if !strings.Contains(out.String(), "--bucket is required") {
		t.Errorf("expected bucket error, got %q", out.String())
	}

	_ = setSinkCmd.Flags().Set("bucket", "chat-files")
	_ = setSinkCmd.Flags().Set("prefix", "lobby/")
	setSinkCmd.Run(setSinkCmd, []string{"s3"})
	if cfg.Sink.Type != store.TypeS3 || cfg.Sink.Bucket != "chat-files" || cfg.Sink.Prefix != "lobby/" {
		t.Errorf("unexpected sink %+v", cfg.Sink)
	}

	_ = setSinkCmd.Flags().Set("dir", "/tmp/files")
	setSinkCmd.Run(setSinkCmd, []string{"local"})
	if cfg.Sink.Type != store.TypeLocal || cfg.Sink.Dir != "/tmp/files" || cfg.Sink.Bucket != "" {
		t.Errorf("unexpected sink %+v", cfg.Sink)
	}

	out.Reset()
	setSinkCmd.Run(setSinkCmd, []string{"ftp"})
	if !strings.Contains(out.String(), "Unknown sink") {
		t.Errorf("expected unknown sink, got %q", out.String())
	}
}

func TestPingCmd(t *testing.T) {
	_, cleanup := setupTestConfig(t)
	defer cleanup()
	out := capture(t, pingCmd)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			_, _ = w.Write([]byte("pong"))
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()

	cfg.ServerURL = ts.URL + "/"
	pingCmd.Run(pingCmd, []string{})
	if !strings.Contains(out.String(), "Pong!") {
		t.Errorf("expected pong, got %q", out.String())
	}
}

func TestShareCmd(t *testing.T) {
	_, cleanup := setupTestConfig(t)
	defer cleanup()
	out := capture(t, shareCmd)
	resetFlags(t, shareCmd, "password", "origin")
	t.Cleanup(func() { _ = shareCmd.Flags().Set("no-qr", "false") })

	_ = shareCmd.Flags().Set("password", "hunter2")
	_ = shareCmd.Flags().Set("origin", "https://chat.example")
	_ = shareCmd.Flags().Set("no-qr", "true")
	shareCmd.Run(shareCmd, []string{"lobby"})

	link := strings.SplitN(out.String(), "\n", 2)[0]
	room, password, err := crypto.ParseShareLink(link)
	if err != nil {
		t.Fatalf("printed link does not parse: %v (%q)", err, link)
	}
	if room != "lobby" || password != "hunter2" {
		t.Errorf("got room %q password %q", room, password)
	}

	out.Reset()
	_ = shareCmd.Flags().Set("no-qr", "false")
	shareCmd.Run(shareCmd, []string{"lobby"})
	if lines := strings.Count(out.String(), "\n"); lines < 10 {
		t.Errorf("expected a QR code below the link, got %d lines", lines)
	}
}

func TestRoomCredentials(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addRoomFlags(cmd)
	t.Setenv(PasswordEnv, "")

	if _, _, err := roomCredentials(cmd, ""); !errors.Is(err, ErrNoRoom) {
		t.Errorf("expected ErrNoRoom, got %v", err)
	}
	if _, _, err := roomCredentials(cmd, "lobby"); !errors.Is(err, ErrNoPassword) {
		t.Errorf("expected ErrNoPassword, got %v", err)
	}

	t.Setenv(PasswordEnv, "from-env")
	room, pw, err := roomCredentials(cmd, "lobby")
	if err != nil || room != "lobby" || pw != "from-env" {
		t.Errorf("env password: %q %q %v", room, pw, err)
	}

	link, _ := crypto.CreateShareLink("https://chat.example", "secret-room", "from-link")
	_ = cmd.Flags().Set("link", link)
	room, pw, err = roomCredentials(cmd, "ignored")
	if err != nil || room != "secret-room" || pw != "from-link" {
		t.Errorf("link credentials: %q %q %v", room, pw, err)
	}

	_ = cmd.Flags().Set("password", "explicit")
	if _, pw, _ = roomCredentials(cmd, ""); pw != "explicit" {
		t.Errorf("explicit password should win, got %q", pw)
	}

	_ = cmd.Flags().Set("link", "https://chat.example/#join=@@@")
	if _, _, err := roomCredentials(cmd, ""); !errors.Is(err, crypto.ErrInvalidShareLink) {
		t.Errorf("expected ErrInvalidShareLink, got %v", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
