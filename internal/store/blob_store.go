// Package store saves files received in a room. The relay never stores
// anything; this is where a client puts decrypted downloads.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidKey = errors.New("invalid object key")

// BlobStore defines the interface for storing received file content.
type BlobStore interface {
	// Save writes content under key and returns where it ended up.
	Save(ctx context.Context, key string, content []byte) (string, error)
	// Delete removes a saved file. Removing a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ObjectKey names a received file. The file id prefix keeps two files with
// the same name apart; the name is reduced to its base so a sender cannot
// choose the directory.
func ObjectKey(fileID, name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		base = "file"
	}
	short := fileID
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		return base
	}
	return short + "-" + base
}

// LocalBlobStore implements BlobStore using the local filesystem.
type LocalBlobStore struct {
	BaseDir string
}

func NewLocalBlobStore(baseDir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &LocalBlobStore{BaseDir: baseDir}, nil
}

func (s *LocalBlobStore) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || key == ".." {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.BaseDir, key), nil
}

func (s *LocalBlobStore) Save(_ context.Context, key string, content []byte) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, content, 0600); err != nil {
		return "", err
	}
	return p, nil
}

func (s *LocalBlobStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
