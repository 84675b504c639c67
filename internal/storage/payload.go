package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"dfeingest/internal/model"
)

const payloadContentType = "application/xml"

// PayloadStore keeps raw payloads content-addressed by their SHA-256, so the
// same XML seen through two channels is stored once.
type PayloadStore struct {
	objects ObjectStore
}

// NewPayloadStore wraps an ObjectStore.
func NewPayloadStore(objects ObjectStore) *PayloadStore {
	return &PayloadStore{objects: objects}
}

// PayloadRef returns the object key raw would be stored under.
func PayloadRef(kind string, raw []byte) string {
	sum := sha256.Sum256(raw)
	h := hex.EncodeToString(sum[:])
	if kind == "" {
		kind = "unknown"
	}
	return fmt.Sprintf("payloads/%s/%s/%s.xml", strings.ToLower(kind), h[:2], h)
}

// Save stores raw unless an identical payload is already present and returns
// its reference.
func (s *PayloadStore) Save(ctx context.Context, kind string, channel model.SourceChannel, raw []byte) (string, error) {
	ref := PayloadRef(kind, raw)
	_, err := s.objects.Stat(ctx, ref)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, ErrObjectNotFound) {
		return "", fmt.Errorf("stat payload: %w", err)
	}
	_, err = s.objects.Put(ctx, ref, bytes.NewReader(raw), PutObjectOptions{
		Size:        int64(len(raw)),
		ContentType: payloadContentType,
		Metadata:    map[string]string{"channel": string(channel)},
	})
	if err != nil {
		return "", fmt.Errorf("put payload: %w", err)
	}
	return ref, nil
}

// Load reads a stored payload back.
func (s *PayloadStore) Load(ctx context.Context, ref string) ([]byte, error) {
	rc, _, err := s.objects.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Link returns a presigned download URL for a stored payload.
func (s *PayloadStore) Link(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	return s.objects.PresignGet(ctx, ref, expiry)
}
