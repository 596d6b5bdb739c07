// Package storage defines the blob storage interface the state store uses to
// offload binary message content. Implementations back the opaque URIs with
// object storage and mint short-lived signed download URLs on read.
package storage

import (
	"context"
	"errors"
	"time"
)

// ContentFolder is where agent message attachments are stored.
const ContentFolder = "agents/content"

// ContentTTL is the minimum lifetime of offloaded attachments. It exceeds the
// state TTL so a resumable run never references vanished bytes.
const ContentTTL = 72 * time.Hour

// DefaultDownloadExpiry bounds the signed URL lifetime minted on state load.
const DefaultDownloadExpiry = time.Hour

// ErrNotFound is returned when a URI does not resolve to a stored blob.
var ErrNotFound = errors.New("storage: blob not found")

// Blob describes one stored payload.
type Blob struct {
	// URI is the opaque storage location.
	URI string
	// ContentType is the stored MIME type.
	ContentType string
	// Size is the payload size in bytes.
	Size int64
}

// Storage stores and serves binary blobs.
type Storage interface {
	// Upload stores data under folder with the given content type and TTL,
	// returning the blob descriptor. Two uploads of identical bytes yield
	// distinct URIs.
	Upload(ctx context.Context, folder string, data []byte, contentType string, ttl time.Duration) (Blob, error)

	// Download returns the bytes stored under uri, or ErrNotFound.
	Download(ctx context.Context, uri string) ([]byte, error)

	// SignedURL mints a short-lived download URL for uri. The URL embeds
	// fresh random state on every call.
	SignedURL(ctx context.Context, uri string, expiry time.Duration) (string, error)
}
