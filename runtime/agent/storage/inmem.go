package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMem is an in-process Storage for tests and single-process deployments.
// URIs use the memblob:// scheme; signed URLs append a random token and an
// expiry timestamp.
type InMem struct {
	mu    sync.RWMutex
	blobs map[string]inmemBlob
	now   func() time.Time
}

type inmemBlob struct {
	data        []byte
	contentType string
	expiresAt   time.Time
}

// NewInMem builds an in-memory blob store.
func NewInMem() *InMem {
	return &InMem{blobs: make(map[string]inmemBlob), now: time.Now}
}

// Upload stores data and returns a unique memblob URI.
func (s *InMem) Upload(_ context.Context, folder string, data []byte, contentType string, ttl time.Duration) (Blob, error) {
	if ttl <= 0 {
		ttl = ContentTTL
	}
	uri := fmt.Sprintf("memblob://%s/%s", strings.Trim(folder, "/"), uuid.NewString())
	stored := make([]byte, len(data))
	copy(stored, data)
	s.mu.Lock()
	s.blobs[uri] = inmemBlob{data: stored, contentType: contentType, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return Blob{URI: uri, ContentType: contentType, Size: int64(len(data))}, nil
}

// Download returns the stored bytes, or ErrNotFound when missing or expired.
func (s *InMem) Download(_ context.Context, uri string) ([]byte, error) {
	// Signed URLs resolve to their underlying URI.
	uri, _, _ = strings.Cut(uri, "?")
	s.mu.RLock()
	blob, ok := s.blobs[uri]
	s.mu.RUnlock()
	if !ok || s.now().After(blob.expiresAt) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob.data))
	copy(out, blob.data)
	return out, nil
}

// SignedURL appends a fresh token and expiry to the URI. Two calls with
// identical inputs yield distinct URLs.
func (s *InMem) SignedURL(_ context.Context, uri string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultDownloadExpiry
	}
	s.mu.RLock()
	_, ok := s.blobs[uri]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("%s?token=%s&expires=%d", uri, uuid.NewString(), s.now().Add(expiry).Unix()), nil
}

// SetClock overrides the time source. Tests only.
func (s *InMem) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
