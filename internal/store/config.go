package store

import (
	"context"
	"fmt"
)

const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// Config selects where received files go.
type Config struct {
	Type   string `json:"type"`
	Dir    string `json:"dir,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Region string `json:"region,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// New builds the BlobStore described by cfg. An empty type means local.
func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Type {
	case "", TypeLocal:
		dir := cfg.Dir
		if dir == "" {
			dir = "."
		}
		return NewLocalBlobStore(dir)
	case TypeS3:
		return NewS3BlobStore(ctx, cfg.Bucket, cfg.Region, cfg.Prefix)
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
}
