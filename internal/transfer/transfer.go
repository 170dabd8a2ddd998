// Package transfer splits files into encrypted chunks for the relay and
// reassembles them on the receiving side.
package transfer

import (
	"errors"
	"fmt"

	"github.com/aydomini/EchoVault/internal/crypto"
	"github.com/aydomini/EchoVault/internal/models"
	"github.com/aydomini/EchoVault/internal/transport"
	"github.com/google/uuid"
)

const (
	// ChunkSize is the ciphertext carried by one chunk.
	ChunkSize = 24 * 1024
	// MaxFileSize caps what a client will send.
	MaxFileSize = 5 * 1024 * 1024
	// MaxEncodedChunk caps an encoded file_chunk envelope, leaving headroom
	// under the relay's frame limit.
	MaxEncodedChunk = 90000
)

var (
	ErrEmptyFile     = errors.New("file is empty")
	ErrFileTooLarge  = fmt.Errorf("file exceeds %d bytes", MaxFileSize)
	ErrChunkTooLarge = errors.New("encoded chunk exceeds size limit")
)

// Cipher is the room-key encryption a transfer needs. *crypto.Keys
// implements it.
type Cipher interface {
	Encrypt(plaintext []byte) (models.Sealed, error)
	Decrypt(sealed models.Sealed) ([]byte, error)
	EncryptJSON(v any) (models.Sealed, error)
	DecryptJSON(sealed models.Sealed, v any) error
}

// Metadata describes a file. It travels sealed on chunk 0.
type Metadata struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	IV          []byte `json:"iv"`
	Hash        string `json:"hash"`
	Description string `json:"description,omitempty"`
}

// Outgoing is a file ready to be streamed.
type Outgoing struct {
	FileID   string
	Metadata Metadata
	Chunks   []models.FileChunk
}

// Prepare encrypts data as one AEAD message and slices the ciphertext into
// chunks. The plaintext hash and IV go into the sealed metadata.
func Prepare(c Cipher, name, mimeType, description string, data []byte) (*Outgoing, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	sealed, err := c.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("encrypt file: %w", err)
	}
	meta := Metadata{
		Name:        name,
		Size:        int64(len(data)),
		Type:        mimeType,
		IV:          sealed.IV,
		Hash:        crypto.CalculateHash(data),
		Description: description,
	}
	sealedMeta, err := c.EncryptJSON(meta)
	if err != nil {
		return nil, fmt.Errorf("encrypt metadata: %w", err)
	}

	total := (len(sealed.Data) + ChunkSize - 1) / ChunkSize
	if total > transport.MaxChunks {
		return nil, ErrFileTooLarge
	}
	out := &Outgoing{FileID: uuid.NewString(), Metadata: meta, Chunks: make([]models.FileChunk, total)}
	for i := 0; i < total; i++ {
		end := (i + 1) * ChunkSize
		if end > len(sealed.Data) {
			end = len(sealed.Data)
		}
		out.Chunks[i] = models.FileChunk{
			FileID:         out.FileID,
			ChunkIndex:     i,
			TotalChunks:    total,
			EncryptedChunk: sealed.Data[i*ChunkSize : end],
		}
	}
	out.Chunks[0].Metadata = &sealedMeta
	return out, nil
}
