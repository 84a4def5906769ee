package cache

import (
	"math/rand"
	"sync"
)

// HotIndex is the in-memory fast-path lookup tier. It maps voice_id →
// normalized text → the ordered list of audio paths (one per version).
//
// The index reflects a subset of the metadata DB: an absent entry is always
// a permissible miss, never an error. Reads vastly outnumber writes, so the
// index is guarded by a read/write lock with short critical sections.
type HotIndex struct {
	mu sync.RWMutex

	// buckets: voice_id → normalized text → audio paths, version order.
	buckets map[string]map[string][]string

	// varietyDepth caps the number of paths kept per (voice, text) key.
	varietyDepth int
}

// NewHotIndex creates an empty index. varietyDepth values below 1 are
// clamped to 1.
func NewHotIndex(varietyDepth int) *HotIndex {
	if varietyDepth < 1 {
		varietyDepth = 1
	}
	return &HotIndex{
		buckets:      make(map[string]map[string][]string),
		varietyDepth: varietyDepth,
	}
}

// Add appends audioPath to the (voice, text) bucket. Duplicate paths are
// ignored; when the bucket exceeds the variety depth, the oldest path is
// dropped.
func (h *HotIndex) Add(textNormalized, voiceID, audioPath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bucket, ok := h.buckets[voiceID]
	if !ok {
		bucket = make(map[string][]string)
		h.buckets[voiceID] = bucket
	}

	paths := bucket[textNormalized]
	for _, p := range paths {
		if p == audioPath {
			return
		}
	}
	paths = append(paths, audioPath)
	if len(paths) > h.varietyDepth {
		paths = paths[len(paths)-h.varietyDepth:]
	}
	bucket[textNormalized] = paths
}

// Remove drops the entire (voice, text) bucket entry. Used by the evictor
// and the reconciler so a stale path can never be served.
func (h *HotIndex) Remove(textNormalized, voiceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if bucket, ok := h.buckets[voiceID]; ok {
		delete(bucket, textNormalized)
		if len(bucket) == 0 {
			delete(h.buckets, voiceID)
		}
	}
}

// ExactLookup returns one path for the (voice, text) key, chosen uniformly
// at random among the cached versions, or "" and false on a miss.
func (h *HotIndex) ExactLookup(textNormalized, voiceID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	paths := h.buckets[voiceID][textNormalized]
	if len(paths) == 0 {
		return "", false
	}
	return paths[rand.Intn(len(paths))], true
}

// Paths returns a copy of the full bucket for the (voice, text) key, in
// version order. Used for variety-depth introspection.
func (h *HotIndex) Paths(textNormalized, voiceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	paths := h.buckets[voiceID][textNormalized]
	out := make([]string, len(paths))
	copy(out, paths)
	return out
}

// Keys returns the normalized-text keys cached for voiceID. The fuzzy
// matcher scans these; lookups never cross voice buckets.
func (h *HotIndex) Keys(voiceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bucket := h.buckets[voiceID]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys
}

// Size returns the number of distinct (voice, text) buckets.
func (h *HotIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, bucket := range h.buckets {
		n += len(bucket)
	}
	return n
}

// Clear empties the index.
func (h *HotIndex) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buckets = make(map[string]map[string][]string)
}
