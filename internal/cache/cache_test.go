package cache

import (
	"testing"
	"time"
)

func TestQueryKey(t *testing.T) {
	base := "query:pbmc3k:fields:g4"

	t.Run("nilParams", func(t *testing.T) {
		got := QueryKey("pbmc3k", "fields", 4, nil)
		if got != base {
			t.Fatalf("expected %q, got %q", base, got)
		}
	})

	t.Run("stableAcrossOrder", func(t *testing.T) {
		key1 := QueryKey("pbmc3k", "fields", 4, map[string]string{"a": "1", "b": "2"})
		key2 := QueryKey("pbmc3k", "fields", 4, map[string]string{"b": "2", "a": "1"})
		if key1 != key2 {
			t.Fatalf("expected stable key, got %q vs %q", key1, key2)
		}
		if key1 == base {
			t.Fatalf("expected parameterized key to differ from base, got %q", key1)
		}
	})

	t.Run("generationChangesKey", func(t *testing.T) {
		key1 := QueryKey("pbmc3k", "fields", 4, nil)
		key2 := QueryKey("pbmc3k", "fields", 5, nil)
		if key1 == key2 {
			t.Fatal("generation bump should change the key")
		}
	})
}

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager(Config{
		BufferCacheSizeMB: 8,
		BufferTTL:         time.Minute,
		QueryCacheSize:    16,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, ok := m.GetBuffer("missing"); ok {
		t.Fatal("unexpected hit for missing buffer key")
	}
	if err := m.SetBuffer("p1", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got, ok := m.GetBuffer("p1")
	if !ok || len(got) != 3 {
		t.Fatalf("buffer round trip failed: %v %v", got, ok)
	}

	m.SetQuery("q1", []byte("result"))
	if data, ok := m.GetQuery("q1"); !ok || string(data) != "result" {
		t.Fatalf("query round trip failed: %q %v", data, ok)
	}
}
