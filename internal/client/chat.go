package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aydomini/EchoVault/internal/session"
	"github.com/aydomini/EchoVault/internal/store"
	"github.com/aydomini/EchoVault/internal/transfer"
)

const chatHelp = `Commands:
  /file <path> [description]  send a file to the room
  /cancel                     abort the file being sent
  /discard <name>             delete a file saved during this chat
  /who                        list members
  /fingerprint                show key fingerprints
  /quit                       leave the room`

// chat drives an interactive room session on a line-oriented terminal.
type chat struct {
	sess *session.Session
	sink store.BlobStore
	out  io.Writer

	outMu sync.Mutex
	wg    sync.WaitGroup

	mu       sync.Mutex
	sending  bool
	outgoing string
	// saved maps both the sink key and the printed location to the key.
	saved map[string]string
}

func newChat(sess *session.Session, sink store.BlobStore, out io.Writer) *chat {
	return &chat{sess: sess, sink: sink, out: out, saved: make(map[string]string)}
}

func (c *chat) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// run multiplexes session events and input lines until the user quits,
// the input ends or the session is over for good.
func (c *chat) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.sess.Events():
			if c.render(ctx, ev) {
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.command(ctx, line) {
				return nil
			}
		}
	}
}

// wait blocks until file sends started by the chat have returned.
func (c *chat) wait() {
	c.wg.Wait()
}

// render prints one event. It reports true once the session has ended.
func (c *chat) render(ctx context.Context, ev session.Event) bool {
	switch e := ev.(type) {
	case session.StateChanged:
		switch e.State {
		case session.StateOpen:
			c.printf("* connected")
		case session.StateReconnecting:
			c.printf("* connection lost, reconnecting in %s (attempt %d/%d)", e.Delay, e.Attempt, session.MaxReconnectAttempts)
		case session.StateDisconnected:
			c.printf("* disconnected")
			return true
		}
	case session.Joined:
		names := make([]string, 0, len(e.Members))
		for _, m := range e.Members {
			names = append(names, m.Nickname)
		}
		sort.Strings(names)
		c.printf("* joined, %d online: %s", len(names), strings.Join(names, ", "))
	case session.MemberJoined:
		c.printf("* %s joined", e.Nickname)
	case session.MemberLeft:
		c.printf("* %s left", e.Nickname)
	case session.PeerKey:
	case session.ChatMessage:
		c.printf("[%s] %s: %s", e.Timestamp.Format("15:04:05"), e.Nickname, e.Text)
	case session.FileProgress:
		if e.Sent == e.Total || e.Sent%25 == 0 {
			c.printf("* sending file: %d/%d chunks", e.Sent, e.Total)
		}
	case session.FileSent:
		c.printf("* sent %s", e.Name)
	case session.FileReceived:
		c.saveFile(ctx, e)
	case session.FileFailed:
		c.printf("* incoming file failed: %s", describeFileError(e.Err))
	case session.Notice:
		c.printf("! %s: %s", e.Code, e.Message)
	case session.Kicked:
		c.printf("! %s", e.Message)
	}
	return false
}

func describeFileError(err error) string {
	var gap *transfer.GapError
	switch {
	case errors.As(err, &gap):
		return fmt.Sprintf("chunks %v never arrived", gap.Missing)
	case errors.Is(err, transfer.ErrIntegrity):
		return "integrity check failed, file discarded"
	case errors.Is(err, transfer.ErrStalled):
		return "transfer timed out"
	case errors.Is(err, transfer.ErrCancelled):
		return "sender cancelled"
	case errors.Is(err, transfer.ErrSenderLeft):
		return "sender disconnected"
	}
	return err.Error()
}

func (c *chat) saveFile(ctx context.Context, f session.FileReceived) {
	defer c.sess.ReleaseFile(f.FileID)
	key := store.ObjectKey(f.FileID, f.Metadata.Name)
	loc, err := c.sink.Save(ctx, key, f.Data)
	if err != nil {
		c.printf("* could not save %s from %s: %v", f.Metadata.Name, f.Nickname, err)
		return
	}
	c.mu.Lock()
	c.saved[key] = key
	c.saved[loc] = key
	c.mu.Unlock()
	desc := ""
	if f.Metadata.Description != "" {
		desc = fmt.Sprintf(" (%s)", f.Metadata.Description)
	}
	c.printf("* %s sent %s%s, %d bytes, saved to %s", f.Nickname, f.Metadata.Name, desc, f.Metadata.Size, loc)
}

// command handles one input line and reports true on /quit.
func (c *chat) command(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		switch err := c.sess.SendMessage(line); {
		case errors.Is(err, session.ErrDuplicateMessage):
			c.printf("* duplicate message not sent")
		case err != nil:
			c.printf("* send failed: %v", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s", chatHelp)
	case "/who":
		members := c.sess.Members()
		sort.Slice(members, func(i, j int) bool { return members[i].Nickname < members[j].Nickname })
		for _, m := range members {
			c.printf("  %s", m.Nickname)
		}
	case "/fingerprint":
		c.printf("  you: %s", c.sess.Fingerprint())
		self := c.sess.ConnectionID()
		for _, m := range c.sess.Members() {
			if m.ConnectionID == self {
				continue
			}
			if fp, ok := c.sess.PeerFingerprint(m.ConnectionID); ok {
				c.printf("  %s: %s", m.Nickname, fp)
			}
		}
	case "/file":
		if len(fields) < 2 {
			c.printf("usage: /file <path> [description]")
			return false
		}
		c.sendFile(ctx, fields[1], strings.Join(fields[2:], " "))
	case "/cancel":
		c.mu.Lock()
		id := c.outgoing
		c.mu.Unlock()
		if id == "" || !c.sess.CancelFile(id) {
			c.printf("* no file is being sent")
		}
	case "/discard":
		name := strings.TrimSpace(strings.TrimPrefix(line, "/discard"))
		if name == "" {
			c.printf("usage: /discard <name>")
			return false
		}
		c.discard(ctx, name)
	default:
		c.printf("unknown command %s, try /help", fields[0])
	}
	return false
}

// discard removes a file this chat saved, named by its key or location.
func (c *chat) discard(ctx context.Context, name string) {
	c.mu.Lock()
	key, ok := c.saved[name]
	c.mu.Unlock()
	if !ok {
		c.printf("* %s was not saved in this chat", name)
		return
	}
	if err := c.sink.Delete(ctx, key); err != nil {
		c.printf("* could not delete %s: %v", key, err)
		return
	}
	c.mu.Lock()
	for k, v := range c.saved {
		if v == key {
			delete(c.saved, k)
		}
	}
	c.mu.Unlock()
	c.printf("* deleted %s", key)
}

func (c *chat) sendFile(ctx context.Context, path, description string) {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		c.printf("* a file is already being sent")
		return
	}
	c.sending = true
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		c.finishSend()
		c.printf("* cannot read %s: %v", path, err)
		return
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finishSend()
		start := time.Now()
		_, err := c.sess.SendFile(ctx, filepath.Base(path), mimeType, description, data, func(id string) {
			c.mu.Lock()
			c.outgoing = id
			c.mu.Unlock()
		})
		var denied *session.SlotDeniedError
		switch {
		case err == nil:
			c.printf("* %s delivered to relay in %s", filepath.Base(path), time.Since(start).Round(time.Millisecond))
		case errors.As(err, &denied):
			c.printf("* another member is sending a file (%d/%d slots busy), try again shortly", denied.ActiveCount, denied.MaxConcurrent)
		case errors.Is(err, context.Canceled):
			c.printf("* file transfer cancelled")
		default:
			c.printf("* file transfer failed: %v", err)
		}
	}()
}

func (c *chat) finishSend() {
	c.mu.Lock()
	c.sending = false
	c.outgoing = ""
	c.mu.Unlock()
}
