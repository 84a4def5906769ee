package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestHotIndex_AddAndLookup(t *testing.T) {
	t.Parallel()

	h := NewHotIndex(3)
	h.Add("merhaba", "v1", "/audio/a.mp3")

	path, ok := h.ExactLookup("merhaba", "v1")
	if !ok {
		t.Fatal("expected a hit")
	}
	if path != "/audio/a.mp3" {
		t.Errorf("path = %q, want /audio/a.mp3", path)
	}

	if _, ok := h.ExactLookup("merhaba", "v2"); ok {
		t.Error("lookup crossed voice buckets")
	}
	if _, ok := h.ExactLookup("selam", "v1"); ok {
		t.Error("unexpected hit for unknown text")
	}
}

func TestHotIndex_DuplicatePathIgnored(t *testing.T) {
	t.Parallel()

	h := NewHotIndex(3)
	h.Add("text", "v1", "/a.mp3")
	h.Add("text", "v1", "/a.mp3")

	if got := len(h.Paths("text", "v1")); got != 1 {
		t.Errorf("len(paths) = %d, want 1", got)
	}
}

func TestHotIndex_VarietyCapDropsOldest(t *testing.T) {
	t.Parallel()

	h := NewHotIndex(2)
	h.Add("text", "v1", "/one.mp3")
	h.Add("text", "v1", "/two.mp3")
	h.Add("text", "v1", "/three.mp3")

	paths := h.Paths("text", "v1")
	if len(paths) != 2 {
		t.Fatalf("len(paths) = %d, want 2", len(paths))
	}
	if paths[0] != "/two.mp3" || paths[1] != "/three.mp3" {
		t.Errorf("paths = %v, want oldest dropped", paths)
	}
}

func TestHotIndex_LookupPicksFromAllVersions(t *testing.T) {
	t.Parallel()

	h := NewHotIndex(3)
	h.Add("text", "v1", "/one.mp3")
	h.Add("text", "v1", "/two.mp3")

	seen := make(map[string]bool)
	for range 200 {
		path, ok := h.ExactLookup("text", "v1")
		if !ok {
			t.Fatal("expected a hit")
		}
		seen[path] = true
	}
	if len(seen) != 2 {
		t.Errorf("random pick returned %d distinct paths, want 2", len(seen))
	}
}

func TestHotIndex_Remove(t *testing.T) {
	t.Parallel()

	h := NewHotIndex(1)
	h.Add("a", "v1", "/a.mp3")
	h.Add("b", "v1", "/b.mp3")

	h.Remove("a", "v1")
	if _, ok := h.ExactLookup("a", "v1"); ok {
		t.Error("removed entry still resolvable")
	}
	if _, ok := h.ExactLookup("b", "v1"); !ok {
		t.Error("unrelated entry was removed")
	}

	// Removing the last text of a voice drops the voice bucket too.
	h.Remove("b", "v1")
	if got := h.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
}

func TestHotIndex_KeysPerVoice(t *testing.T) {
	t.Parallel()

	h := NewHotIndex(1)
	h.Add("a", "v1", "/a.mp3")
	h.Add("b", "v1", "/b.mp3")
	h.Add("c", "v2", "/c.mp3")

	keys := h.Keys("v1")
	if len(keys) != 2 {
		t.Errorf("len(Keys(v1)) = %d, want 2", len(keys))
	}
	if got := h.Keys("v3"); len(got) != 0 {
		t.Errorf("Keys(v3) = %v, want empty", got)
	}
}

func TestHotIndex_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	h := NewHotIndex(2)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("text-%d", j%10)
				h.Add(key, "v1", fmt.Sprintf("/p-%d-%d.mp3", i, j))
				h.ExactLookup(key, "v1")
				h.Keys("v1")
			}
		}()
	}
	wg.Wait()

	if h.Size() == 0 {
		t.Error("index empty after concurrent writes")
	}
}
