package state

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/cache"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/storage"
)

// KeyPrefix namespaces persisted states in the cache.
const KeyPrefix = "agent-states:"

// Store persists AgentState in the cache, offloading binary message content
// to blob storage on write and minting signed download URLs on read.
type Store struct {
	cache     cache.Cache
	blobs     storage.Storage
	ttl       time.Duration
	urlExpiry time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL overrides the state cache TTL.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithURLExpiry overrides the signed URL lifetime minted on load.
func WithURLExpiry(expiry time.Duration) StoreOption {
	return func(s *Store) { s.urlExpiry = expiry }
}

// NewStore builds a state store. blobs may be nil when no binary content is
// expected; persisting a BinaryPart without storage fails.
func NewStore(c cache.Cache, blobs storage.Storage, opts ...StoreOption) *Store {
	s := &Store{
		cache:     c,
		blobs:     blobs,
		ttl:       DefaultTTL,
		urlExpiry: storage.DefaultDownloadExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the cache key for a run id.
func Key(id agent.RunID) string {
	return KeyPrefix + id.String()
}

// Set persists the state. Binary parts are uploaded to blob storage and
// replaced by blob references before serialization so large payloads never
// enter the cache. The stored UpdatedAt is refreshed.
func (s *Store) Set(ctx context.Context, st *AgentState) error {
	if st == nil {
		return agent.BadRequestf("nil state")
	}
	if st.ID == "" {
		return agent.BadRequestf("state has no run id")
	}
	st.UpdatedAt = time.Now().UTC()
	st.SchemaVersion = SchemaVersion
	if err := s.offload(ctx, st); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return agent.Internalf("marshal state %s: %v", st.ID, err)
	}
	if err := s.cache.Set(ctx, Key(st.ID), data, s.ttl); err != nil {
		return agent.Internalf("persist state %s: %v", st.ID, err)
	}
	return nil
}

// Get loads the state for a run. Blob references in the transcript are
// rewritten into fresh signed download URLs. Missing states yield a NotFound
// error; schema mismatches yield a validation error.
func (s *Store) Get(ctx context.Context, id agent.RunID) (*AgentState, error) {
	data, err := s.cache.Get(ctx, Key(id))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, agent.NotFoundf("no state for run %s", id)
		}
		return nil, agent.Internalf("load state %s: %v", id, err)
	}
	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, agent.Internalf("decode state %s: %v", id, err)
	}
	if st.SchemaVersion != SchemaVersion {
		return nil, agent.ValidationErrorf("state %s has schema version %d, want %d", id, st.SchemaVersion, SchemaVersion)
	}
	if err := s.sign(ctx, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Del removes the persisted state. Deleting a missing state is not an error.
func (s *Store) Del(ctx context.Context, id agent.RunID) error {
	if err := s.cache.Del(ctx, Key(id)); err != nil {
		return agent.Internalf("delete state %s: %v", id, err)
	}
	return nil
}

// offload replaces in-memory binary parts with blob references.
func (s *Store) offload(ctx context.Context, st *AgentState) error {
	for _, msg := range st.Messages {
		for i, part := range msg.Parts {
			bin, ok := part.(model.BinaryPart)
			if !ok {
				continue
			}
			if s.blobs == nil {
				return agent.Internalf("state %s carries binary content but no blob storage is configured", st.ID)
			}
			blob, err := s.blobs.Upload(ctx, storage.ContentFolder, bin.Data, bin.ContentType, storage.ContentTTL)
			if err != nil {
				return agent.Internalf("offload binary content for state %s: %v", st.ID, err)
			}
			msg.Parts[i] = model.BlobPart{URI: blob.URI, ContentType: blob.ContentType, Size: blob.Size}
		}
	}
	return nil
}

// sign attaches fresh signed download URLs to blob references. The opaque
// URI stays in place so re-persisting the state keeps a stable reference.
func (s *Store) sign(ctx context.Context, st *AgentState) error {
	for _, msg := range st.Messages {
		for i, part := range msg.Parts {
			blob, ok := part.(model.BlobPart)
			if !ok || s.blobs == nil {
				continue
			}
			url, err := s.blobs.SignedURL(ctx, blob.URI, s.urlExpiry)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					// The blob outlived its TTL. Leave the reference as is,
					// downloads will report the miss.
					continue
				}
				return agent.Internalf("sign blob URL for state %s: %v", st.ID, err)
			}
			if msg.Meta == nil {
				msg.Meta = make(map[string]any)
			}
			msg.Meta[signedURLMetaKey(i)] = url
		}
	}
	return nil
}

func signedURLMetaKey(i int) string {
	return "signedUrl:" + strconv.Itoa(i)
}

// SignedURL returns the signed download URL minted on load for the blob part
// at index i of msg, if any.
func SignedURL(msg *model.Message, i int) (string, bool) {
	if msg == nil || msg.Meta == nil {
		return "", false
	}
	url, ok := msg.Meta[signedURLMetaKey(i)].(string)
	return url, ok && url != ""
}
