package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aydomini/EchoVault/internal/models"
)

// NonceWindow bounds how far a nonce timestamp may drift from the
// synchronized clock.
const NonceWindow = 5 * time.Second

var (
	ErrNonceExpired   = errors.New("nonce outside time window")
	ErrNonceReplayed  = errors.New("nonce already used")
	ErrNonceMalformed = errors.New("malformed nonce")
)

// GenerateNonce returns a nonce stamped with the local clock corrected by
// offset, the estimated difference between relay and local clocks.
func GenerateNonce(offset time.Duration) (models.Nonce, error) {
	random := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		return models.Nonce{}, err
	}
	ts := time.Now().Add(offset).UnixMilli()
	r := hex.EncodeToString(random)
	return models.Nonce{Timestamp: ts, Random: r, Value: fmt.Sprintf("%d-%s", ts, r)}, nil
}

// NonceRegistry remembers recently consumed nonces.
type NonceRegistry struct {
	mu sync.Mutex
	// value -> local time after which the nonce can no longer pass Verify
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{
		seen:   make(map[string]time.Time),
		window: NonceWindow,
		now:    time.Now,
	}
}

// Verify checks freshness and uniqueness without recording the nonce.
func (r *NonceRegistry) Verify(n models.Nonce, offset time.Duration) error {
	if n.Random == "" || n.Value != fmt.Sprintf("%d-%s", n.Timestamp, n.Random) {
		return ErrNonceMalformed
	}
	skew := r.now().Add(offset).UnixMilli() - n.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > r.window.Milliseconds() {
		return ErrNonceExpired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[n.Value]; ok {
		return ErrNonceReplayed
	}
	return nil
}

// Commit records n as consumed. Call it only once the message carrying n
// has been accepted.
func (r *NonceRegistry) Commit(n models.Nonce, offset time.Duration) {
	// Local instant at which n.Timestamp leaves the window.
	deadline := time.UnixMilli(n.Timestamp).Add(-offset).Add(r.window)

	r.mu.Lock()
	r.seen[n.Value] = deadline
	r.mu.Unlock()
}

// Cleanup forgets nonces that could no longer pass the freshness check.
func (r *NonceRegistry) Cleanup() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for v, deadline := range r.seen {
		if now.After(deadline) {
			delete(r.seen, v)
			removed++
		}
	}
	return removed
}

// Len reports how many nonces are currently remembered.
func (r *NonceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
