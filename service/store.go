package service

import (
	"context"
	"slices"
	"sync"
	"time"
)

// FenceStore returns the fences an asset is associated with.
type FenceStore interface {
	GetByAssetID(ctx context.Context, assetID string) ([]GeoFence, error)
}

// UpdateStore keeps the append-only status history of (fence, asset) pairs.
type UpdateStore interface {
	// Latest returns the most recent record per fence for the asset. A missing key
	// means the pair was never evaluated.
	Latest(ctx context.Context, assetID string) (map[int64]Update, error)

	// Append stores next only if prev (nil for none) is still the latest record of the
	// pair, and returns ErrVersionConflict otherwise. The store assigns Version and an
	// UpdatedAt strictly later than prev.UpdatedAt.
	Append(ctx context.Context, prev *Update, next Update) (Update, error)
}

// nextVersion fills the store-assigned fields of next from prev and now. Timestamps
// carry microsecond precision, like the Postgres and DynamoDB stores.
func nextVersion(prev *Update, next Update, now time.Time) Update {
	next.Version = 1
	next.UpdatedAt = now.UTC().Truncate(time.Microsecond)
	if prev != nil {
		next.Version = prev.Version + 1
		if !next.UpdatedAt.After(prev.UpdatedAt) {
			next.UpdatedAt = prev.UpdatedAt.Add(time.Microsecond)
		}
	}
	return next
}

// MemoryFenceStore is a FenceStore over a fixed slice of fences.
type MemoryFenceStore struct {
	mu     sync.RWMutex
	fences []GeoFence
}

func NewMemoryFenceStore(fences ...GeoFence) *MemoryFenceStore {
	return &MemoryFenceStore{fences: fences}
}

// Put adds or replaces a fence by ID.
func (s *MemoryFenceStore) Put(f GeoFence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.fences {
		if s.fences[i].ID == f.ID {
			s.fences[i] = f
			return
		}
	}
	s.fences = append(s.fences, f)
}

func (s *MemoryFenceStore) GetByAssetID(_ context.Context, assetID string) ([]GeoFence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GeoFence
	for _, f := range s.fences {
		if slices.Contains(f.AssetIDs, assetID) {
			out = append(out, f)
		}
	}
	return out, nil
}

type pairKey struct {
	fenceID int64
	assetID string
}

// MemoryUpdateStore keeps the history in memory. Appends are serialized by a single
// mutex, which gives the per-pair ordering the engine relies on.
type MemoryUpdateStore struct {
	mu      sync.Mutex
	now     func() time.Time
	history map[pairKey][]Update
}

func NewMemoryUpdateStore() *MemoryUpdateStore {
	return &MemoryUpdateStore{now: time.Now, history: make(map[pairKey][]Update)}
}

// WithClock makes the store stamp records with now instead of the wall clock.
func (s *MemoryUpdateStore) WithClock(now func() time.Time) *MemoryUpdateStore {
	s.now = now
	return s
}

func (s *MemoryUpdateStore) Latest(_ context.Context, assetID string) (map[int64]Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]Update)
	for k, h := range s.history {
		if k.assetID == assetID && len(h) > 0 {
			out[k.fenceID] = h[len(h)-1]
		}
	}
	return out, nil
}

func (s *MemoryUpdateStore) Append(_ context.Context, prev *Update, next Update) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{next.GeoFenceID, next.AssetID}
	h := s.history[key]

	var latest *Update
	if len(h) > 0 {
		latest = &h[len(h)-1]
	}
	switch {
	case latest == nil && prev != nil,
		latest != nil && prev == nil,
		latest != nil && latest.Version != prev.Version:
		return Update{}, ErrVersionConflict
	}

	rec := nextVersion(latest, next, s.now())
	s.history[key] = append(h, rec)
	return rec, nil
}

// History returns a copy of all records of a pair, oldest first.
func (s *MemoryUpdateStore) History(fenceID int64, assetID string) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[pairKey{fenceID, assetID}])
}
