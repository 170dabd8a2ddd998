package transfer

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/models"
)

var testKeys *crypto.Keys

func keys(t *testing.T) *crypto.Keys {
	t.Helper()
	if testKeys == nil {
		k, err := crypto.DeriveKeys("pw", "transfer-test")
		if err != nil {
			t.Fatal(err)
		}
		testKeys = k
	}
	return testKeys
}

func randomFile(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func prepare(t *testing.T, n int) ([]byte, *Outgoing) {
	t.Helper()
	data := randomFile(t, n)
	out, err := Prepare(keys(t), "report.pdf", "application/pdf", "q3 numbers", data)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	for i := range out.Chunks {
		out.Chunks[i].ConnectionID = "sender-1"
	}
	return data, out
}

func TestPrepareChunking(t *testing.T) {
	_, out := prepare(t, 3*ChunkSize+100)
	// AEAD tag adds 16 bytes, still four chunks.
	if len(out.Chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(out.Chunks))
	}
	if out.Chunks[0].Metadata == nil {
		t.Error("chunk 0 must carry metadata")
	}
	for i, c := range out.Chunks {
		if c.ChunkIndex != i || c.TotalChunks != 4 || c.FileID != out.FileID {
			t.Errorf("chunk %d has bad header %+v", i, c)
		}
		if i > 0 && c.Metadata != nil {
			t.Errorf("chunk %d should not carry metadata", i)
		}
	}
	if out.Metadata.Size != int64(3*ChunkSize+100) || out.Metadata.Description != "q3 numbers" {
		t.Errorf("unexpected metadata %+v", out.Metadata)
	}
}

func TestPrepareLimits(t *testing.T) {
	if _, err := Prepare(keys(t), "a", "", "", nil); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}
	if _, err := Prepare(keys(t), "a", "", "", make([]byte, MaxFileSize+1)); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestAssembleInOrder(t *testing.T) {
	data, out := prepare(t, 2*ChunkSize)
	a := NewAssembler(keys(t))

	var done *Completed
	for i := range out.Chunks {
		got, err := a.Add(&out.Chunks[i])
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if got != nil {
			done = got
		}
	}
	if done == nil {
		t.Fatal("file never completed")
	}
	if !bytes.Equal(done.Data, data) {
		t.Error("reassembled data differs")
	}
	if done.Metadata.Name != "report.pdf" || done.From != "sender-1" {
		t.Errorf("unexpected result %+v", done.Metadata)
	}
	if a.Pending() != 0 {
		t.Error("completed transfer still pending")
	}
}

func TestAssembleMetadataArrivesLast(t *testing.T) {
	data, out := prepare(t, 3*ChunkSize)
	a := NewAssembler(keys(t))

	for i := len(out.Chunks) - 1; i >= 1; i-- {
		if got, err := a.Add(&out.Chunks[i]); err != nil || got != nil {
			t.Fatalf("chunk %d: got %v, %v", i, got, err)
		}
	}
	if a.Pending() != 1 {
		t.Errorf("expected the transfer to wait for chunk 0, pending %d", a.Pending())
	}
	done, err := a.Add(&out.Chunks[0])
	if err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if done == nil || !bytes.Equal(done.Data, data) {
		t.Fatal("file should complete once chunk 0 arrives")
	}
}

func TestAssembleDuplicatesDoNotComplete(t *testing.T) {
	data, out := prepare(t, 3*ChunkSize)
	a := NewAssembler(keys(t))
	n := len(out.Chunks)

	for i := 0; i < n-1; i++ {
		if _, err := a.Add(&out.Chunks[i]); err != nil {
			t.Fatal(err)
		}
	}
	got, err := a.Add(&out.Chunks[0])
	if err != nil || got != nil {
		t.Fatalf("N-1 unique chunks plus a duplicate must not complete, got %v, %v", got, err)
	}

	done, err := a.Add(&out.Chunks[n-1])
	if err != nil {
		t.Fatal(err)
	}
	if done == nil || !bytes.Equal(done.Data, data) {
		t.Fatal("expected completion with all chunks")
	}
	if done.Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", done.Duplicates)
	}
	if crypto.CalculateHash(done.Data) != done.Metadata.Hash {
		t.Error("hash mismatch")
	}
}

type tamperCipher struct {
	*crypto.Keys
	meta Metadata
}

func (c tamperCipher) DecryptJSON(_ models.Sealed, v any) error {
	*(v.(*Metadata)) = c.meta
	return nil
}

func TestAssembleIntegrityFailure(t *testing.T) {
	_, out := prepare(t, ChunkSize)
	bad := out.Metadata
	bad.Hash = crypto.CalculateHash([]byte("something else"))
	a := NewAssembler(tamperCipher{Keys: keys(t), meta: bad})

	var err error
	for i := range out.Chunks {
		_, err = a.Add(&out.Chunks[i])
	}
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
	if a.Pending() != 0 {
		t.Error("failed transfer must not linger")
	}
}

func TestAssembleMissingMetadata(t *testing.T) {
	_, out := prepare(t, ChunkSize/2)
	out.Chunks[0].Metadata = nil
	a := NewAssembler(keys(t))
	if _, err := a.Add(&out.Chunks[0]); !errors.Is(err, ErrMissingMetadata) {
		t.Errorf("expected ErrMissingMetadata, got %v", err)
	}
}

func TestAssembleRejectsInvalidChunks(t *testing.T) {
	a := NewAssembler(keys(t))
	for _, c := range []models.FileChunk{
		{FileID: "", ChunkIndex: 0, TotalChunks: 1, EncryptedChunk: []byte{1}},
		{FileID: "f", ChunkIndex: 1, TotalChunks: 1, EncryptedChunk: []byte{1}},
		{FileID: "f", ChunkIndex: 0, TotalChunks: 1001, EncryptedChunk: []byte{1}},
		{FileID: "f", ChunkIndex: 0, TotalChunks: 1},
		{FileID: "f", ChunkIndex: 0, TotalChunks: 1, EncryptedChunk: []byte{}},
	} {
		if _, err := a.Add(&c); !errors.Is(err, ErrInvalidChunk) {
			t.Errorf("chunk %+v: expected ErrInvalidChunk, got %v", c, err)
		}
	}

	if a.Pending() != 0 {
		t.Fatalf("rejected chunks must not open a transfer, pending %d", a.Pending())
	}

	if _, err := a.Add(&models.FileChunk{FileID: "f", ChunkIndex: 0, TotalChunks: 3, ConnectionID: "a", EncryptedChunk: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Add(&models.FileChunk{FileID: "f", ChunkIndex: 1, TotalChunks: 4, ConnectionID: "a", EncryptedChunk: []byte{1}}); !errors.Is(err, ErrInvalidChunk) {
		t.Errorf("changed total should be rejected, got %v", err)
	}
	if _, err := a.Add(&models.FileChunk{FileID: "f", ChunkIndex: 1, TotalChunks: 3, ConnectionID: "b", EncryptedChunk: []byte{1}}); !errors.Is(err, ErrInvalidChunk) {
		t.Errorf("chunk from another sender should be rejected, got %v", err)
	}
}

func TestAssembleAbortAndExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	a := NewAssembler(keys(t))
	a.now = func() time.Time { return now }

	_, _ = a.Add(&models.FileChunk{FileID: "f1", ChunkIndex: 0, TotalChunks: 2, ConnectionID: "alice", EncryptedChunk: []byte{1}})
	_, _ = a.Add(&models.FileChunk{FileID: "f2", ChunkIndex: 0, TotalChunks: 2, ConnectionID: "bob", EncryptedChunk: []byte{1}})
	_, _ = a.Add(&models.FileChunk{FileID: "f3", ChunkIndex: 0, TotalChunks: 2, ConnectionID: "bob", EncryptedChunk: []byte{1}})

	aborted := a.AbortFrom("alice")
	if len(aborted) != 1 || aborted[0].FileID != "f1" || !errors.Is(aborted[0].Err, ErrSenderLeft) {
		t.Fatalf("unexpected abort result %+v", aborted)
	}

	now = now.Add(100 * time.Second)
	_, _ = a.Add(&models.FileChunk{FileID: "f3", ChunkIndex: 1, TotalChunks: 2, ConnectionID: "bob", EncryptedChunk: []byte{1}})

	expired := a.Expire(now.Add(30 * time.Second))
	if len(expired) != 1 || expired[0].FileID != "f2" || !errors.Is(expired[0].Err, ErrStalled) {
		t.Fatalf("expected only f2 to stall, got %+v", expired)
	}

	if !a.Cancel("f3") || a.Cancel("f3") {
		t.Error("Cancel should report the transfer once")
	}
	if a.Pending() != 0 {
		t.Errorf("expected no pending transfers, got %d", a.Pending())
	}
}

func TestAssembleEmptyChunkDoesNotFillSlot(t *testing.T) {
	data, out := prepare(t, 2*ChunkSize+1)
	a := NewAssembler(keys(t))
	if len(out.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(out.Chunks))
	}

	empty := out.Chunks[0]
	empty.EncryptedChunk = nil
	for i := 0; i < 2; i++ {
		if _, err := a.Add(&empty); !errors.Is(err, ErrInvalidChunk) {
			t.Fatalf("empty chunk: expected ErrInvalidChunk, got %v", err)
		}
	}
	for _, i := range []int{1, 0} {
		if got, err := a.Add(&out.Chunks[i]); err != nil || got != nil {
			t.Fatalf("chunk %d: got %v, %v", i, got, err)
		}
	}
	done, err := a.Add(&out.Chunks[2])
	if err != nil {
		t.Fatalf("last chunk: %v", err)
	}
	if done == nil || !bytes.Equal(done.Data, data) {
		t.Fatal("transfer should complete once the real chunks arrive")
	}
}

func TestAssembleReportsGaps(t *testing.T) {
	a := NewAssembler(keys(t))
	p := &pending{
		from:     "bob",
		total:    3,
		chunks:   [][]byte{{1}, nil, nil},
		received: 3,
		metadata: &models.Sealed{},
	}

	_, err := a.finish("f", p, time.Now())
	var gap *GapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected GapError, got %v", err)
	}
	if gap.FileID != "f" || len(gap.Missing) != 2 || gap.Missing[0] != 1 || gap.Missing[1] != 2 {
		t.Errorf("unexpected gap report %+v", gap)
	}
}
