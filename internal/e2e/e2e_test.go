package e2e

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aydomini/EchoVault/internal/client"
	"github.com/aydomini/EchoVault/internal/server"
	"github.com/aydomini/EchoVault/internal/session"
)

const (
	room     = "e2e-room"
	password = "e2e password"
)

func waitFor[T session.Event](t *testing.T, s *session.Session, match func(T) bool) T {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestEndToEnd(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// 1. Setup Relay
	cfg := server.Config{Room: server.DefaultRoomConfig(), AllowedOrigins: []string{"*"}}
	hub := server.NewHub(cfg.Room, logger)
	ts := httptest.NewServer(server.NewHandler(hub, cfg).Routes())
	defer ts.Close()
	defer hub.Close()

	// 2. Setup CLI config
	carolDir, err := os.MkdirTemp("", "echovault-e2e-carol")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(carolDir) }()
	configFile := filepath.Join(carolDir, "config.json")
	downloads := filepath.Join(carolDir, "downloads")

	root := client.GetRootCmd()
	runCmd := func(in io.Reader, args ...string) (string, error) {
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetIn(in)
		root.SetArgs(append(args, "--config", configFile))
		err := root.Execute()
		root.SetOut(nil)
		root.SetIn(nil)
		return out.String(), err
	}

	if _, err := runCmd(nil, "config", "init", "--nickname", "carol", "--server", ts.URL, "--download-dir", downloads); err != nil {
		t.Fatalf("config init failed: %v", err)
	}

	// 3. A listening member
	bob, err := session.New(session.Config{
		ServerURL: ts.URL,
		RoomID:    room,
		Password:  password,
		Nickname:  "bob",
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()
	if err := bob.Connect(context.Background()); err != nil {
		t.Fatalf("bob connect failed: %v", err)
	}
	waitFor[session.Joined](t, bob, nil)

	// 4. One-shot send from the CLI
	output, err := runCmd(nil, "send", room, "hello", "from", "the", "cli", "--password", password)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(output, "Message sent") {
		t.Errorf("expected confirmation, got %q", output)
	}
	msg := waitFor[session.ChatMessage](t, bob, nil)
	if msg.Text != "hello from the cli" || msg.Nickname != "carol" {
		t.Errorf("bob received %+v", msg)
	}

	// 5. Interactive join receives a message and a file from bob
	pr, pw := io.Pipe()
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runCmd(pr, "join", room, "--password", password, "--nickname", "dave")
		done <- result{out, err}
	}()

	waitFor[session.MemberJoined](t, bob, func(e session.MemberJoined) bool { return e.Nickname == "dave" })
	waitFor[session.PeerKey](t, bob, nil)

	if err := bob.SendMessage("hello dave"); err != nil {
		t.Fatalf("bob send failed: %v", err)
	}
	payload := bytes.Repeat([]byte("end to end "), 5000)
	fileID, err := bob.SendFile(context.Background(), "report.txt", "text/plain", "quarterly", payload, nil)
	if err != nil {
		t.Fatalf("bob SendFile failed: %v", err)
	}

	saved := filepath.Join(downloads, fileID[:8]+"-report.txt")
	deadline := time.Now().Add(10 * time.Second)
	var got []byte
	for {
		got, err = os.ReadFile(saved)
		if err == nil && len(got) == len(payload) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("file never saved to %s: %v", saved, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !bytes.Equal(got, payload) {
		t.Error("saved file differs from what bob sent")
	}

	// 6. Leave
	_, _ = pw.Write([]byte("/quit\n"))
	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("join did not exit after /quit")
	}
	_ = pw.Close()
	if res.err != nil {
		t.Fatalf("join returned %v", res.err)
	}
	for _, want := range []string{"joined, 2 online", "bob: hello dave", "bob sent report.txt (quarterly)"} {
		if !strings.Contains(res.out, want) {
			t.Errorf("join output missing %q:\n%s", want, res.out)
		}
	}
	waitFor[session.MemberLeft](t, bob, func(e session.MemberLeft) bool { return e.Nickname == "dave" })
}
