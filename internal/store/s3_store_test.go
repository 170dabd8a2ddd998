package store

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client implements S3ClientAPI
type MockS3Client struct {
	Objects map[string][]byte
	SSE     map[string]types.ServerSideEncryption
}

func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.Objects == nil {
		m.Objects = make(map[string][]byte)
	}
	if m.SSE == nil {
		m.SSE = make(map[string]types.ServerSideEncryption)
	}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(params.Body)
	m.Objects[*params.Key] = buf.Bytes()
	m.SSE[*params.Key] = params.ServerSideEncryption
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.Objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3BlobStore(t *testing.T) {
	ctx := context.Background()
	mockClient := &MockS3Client{}
	store := &S3BlobStore{
		Client: mockClient,
		Bucket: "test-bucket",
		Prefix: "rooms/lobby/",
	}

	key := ObjectKey("0f3c2a1b-aaaa-bbbb-cccc-000000000000", "report.pdf")
	content := []byte("content")

	loc, err := store.Save(ctx, key, content)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if loc != "s3://test-bucket/rooms/lobby/0f3c2a1b-report.pdf" {
		t.Errorf("unexpected location %s", loc)
	}
	if string(mockClient.Objects["rooms/lobby/"+key]) != string(content) {
		t.Error("Content not saved to mock")
	}
	if mockClient.SSE["rooms/lobby/"+key] != types.ServerSideEncryptionAes256 {
		t.Error("Expected server-side encryption on put")
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
	if _, ok := mockClient.Objects["rooms/lobby/"+key]; ok {
		t.Error("object still present after delete")
	}

	if _, err := store.Save(ctx, "", content); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if err := store.Delete(ctx, ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey on delete, got %v", err)
	}
}

func TestNewS3BlobStoreRequiresBucket(t *testing.T) {
	if _, err := NewS3BlobStore(context.Background(), "", "eu-west-1", ""); err == nil {
		t.Error("expected error without bucket")
	}
}
