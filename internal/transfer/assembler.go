package transfer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/transport"
)

// StallTimeout abandons a transfer that has not seen a chunk for this long.
const StallTimeout = 120 * time.Second

var (
	ErrInvalidChunk    = errors.New("invalid chunk")
	ErrMissingMetadata = errors.New("file metadata missing")
	ErrIntegrity       = errors.New("file hash mismatch")
	ErrStalled         = errors.New("file transfer stalled")
	ErrCancelled       = errors.New("file transfer cancelled")
	ErrSenderLeft      = errors.New("sender disconnected")
)

// GapError reports chunk slots still empty when the count says complete.
type GapError struct {
	FileID  string
	Missing []int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("file %s missing chunks %v", e.FileID, e.Missing)
}

// Completed is a verified, decrypted file.
type Completed struct {
	FileID     string
	From       string
	Metadata   Metadata
	Data       []byte
	Duplicates int
	Elapsed    time.Duration
}

// Abandoned names a transfer that was dropped without completing.
type Abandoned struct {
	FileID string
	From   string
	Err    error
}

type pending struct {
	from       string
	total      int
	chunks     [][]byte
	received   int
	duplicates int
	metadata   *models.Sealed
	first      time.Time
	last       time.Time
}

// Assembler buffers chunks per file id until a file is complete.
type Assembler struct {
	cipher Cipher
	now    func() time.Time
	stall  time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

func NewAssembler(c Cipher) *Assembler {
	return &Assembler{
		cipher:  c,
		now:     time.Now,
		stall:   StallTimeout,
		pending: make(map[string]*pending),
	}
}

// Add stores one chunk. It returns the file once every chunk is present and
// verified; any failure at that point discards the transfer. A chunk without
// payload is rejected, since an empty slot is how gaps are found.
func (a *Assembler) Add(ch *models.FileChunk) (*Completed, error) {
	if ch.FileID == "" || ch.TotalChunks <= 0 || ch.TotalChunks > transport.MaxChunks ||
		ch.ChunkIndex < 0 || ch.ChunkIndex >= ch.TotalChunks || len(ch.EncryptedChunk) == 0 {
		return nil, ErrInvalidChunk
	}

	now := a.now()
	a.mu.Lock()
	p, ok := a.pending[ch.FileID]
	if !ok {
		p = &pending{
			from:   ch.ConnectionID,
			total:  ch.TotalChunks,
			chunks: make([][]byte, ch.TotalChunks),
			first:  now,
		}
		a.pending[ch.FileID] = p
	}
	if p.total != ch.TotalChunks || p.from != ch.ConnectionID {
		a.mu.Unlock()
		return nil, ErrInvalidChunk
	}
	p.last = now
	if ch.Metadata != nil && p.metadata == nil {
		m := *ch.Metadata
		p.metadata = &m
	}
	if p.chunks[ch.ChunkIndex] != nil {
		p.duplicates++
		a.mu.Unlock()
		return nil, nil
	}
	p.chunks[ch.ChunkIndex] = ch.EncryptedChunk
	p.received++
	if p.received < p.total {
		a.mu.Unlock()
		return nil, nil
	}
	delete(a.pending, ch.FileID)
	a.mu.Unlock()

	return a.finish(ch.FileID, p, now)
}

func (a *Assembler) finish(fileID string, p *pending, now time.Time) (*Completed, error) {
	var missing []int
	size := 0
	for i, c := range p.chunks {
		if c == nil {
			missing = append(missing, i)
		}
		size += len(c)
	}
	if len(missing) > 0 {
		return nil, &GapError{FileID: fileID, Missing: missing}
	}
	if p.metadata == nil {
		return nil, ErrMissingMetadata
	}

	var meta Metadata
	if err := a.cipher.DecryptJSON(*p.metadata, &meta); err != nil {
		return nil, fmt.Errorf("decrypt metadata: %w", err)
	}
	ciphertext := make([]byte, 0, size)
	for _, c := range p.chunks {
		ciphertext = append(ciphertext, c...)
	}
	data, err := a.cipher.Decrypt(models.Sealed{IV: meta.IV, Data: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("decrypt file: %w", err)
	}
	if crypto.CalculateHash(data) != meta.Hash {
		crypto.Wipe(data)
		return nil, ErrIntegrity
	}
	return &Completed{
		FileID:     fileID,
		From:       p.from,
		Metadata:   meta,
		Data:       data,
		Duplicates: p.duplicates,
		Elapsed:    now.Sub(p.first),
	}, nil
}

// Cancel drops a pending transfer and reports whether one existed.
func (a *Assembler) Cancel(fileID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[fileID]
	delete(a.pending, fileID)
	return ok
}

// AbortFrom drops every pending transfer sent by connID.
func (a *Assembler) AbortFrom(connID string) []Abandoned {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Abandoned
	for id, p := range a.pending {
		if p.from == connID {
			delete(a.pending, id)
			out = append(out, Abandoned{FileID: id, From: p.from, Err: ErrSenderLeft})
		}
	}
	sortAbandoned(out)
	return out
}

// Expire drops transfers that have been idle longer than the stall timeout.
func (a *Assembler) Expire(now time.Time) []Abandoned {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Abandoned
	for id, p := range a.pending {
		if now.Sub(p.last) > a.stall {
			delete(a.pending, id)
			out = append(out, Abandoned{FileID: id, From: p.from, Err: ErrStalled})
		}
	}
	sortAbandoned(out)
	return out
}

// Pending returns the number of incomplete transfers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func sortAbandoned(a []Abandoned) {
	sort.Slice(a, func(i, j int) bool { return a[i].FileID < a[j].FileID })
}
