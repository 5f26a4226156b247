package cache

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{ResultCacheSizeMB: 16, ResultTTL: time.Minute, QueryCacheSize: 8})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRejectKey(t *testing.T) {
	t.Run("stableAlpha", func(t *testing.T) {
		a := RejectKey("job", 0.05, "tsv")
		b := RejectKey("job", 0.050000, "tsv")
		if a != b {
			t.Fatalf("expected stable key, got %q vs %q", a, b)
		}
	})

	t.Run("distinctAlpha", func(t *testing.T) {
		if RejectKey("job", 0.05, "tsv") == RejectKey("job", 0.1, "tsv") {
			t.Fatal("expected different alphas to produce different keys")
		}
	})

	t.Run("distinctFormat", func(t *testing.T) {
		if RejectKey("job", 0.05, "tsv") == RejectKey("job", 0.05, "json") {
			t.Fatal("expected different formats to produce different keys")
		}
	})
}

func TestResultAndQueryCache(t *testing.T) {
	m := newTestManager(t)

	key := ResultKey("job1", "scores", "tsv")
	if _, ok := m.GetResult(key); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := m.SetResult(key, []byte("payload")); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	if got, ok := m.GetResult(key); !ok || string(got) != "payload" {
		t.Fatalf("expected hit with payload, got %q %v", got, ok)
	}

	m.SetQuery(RejectKey("job1", 0.05, "json"), []byte("q1"))
	m.SetQuery(RejectKey("job2", 0.05, "json"), []byte("q2"))

	m.ForgetJob("job1")
	if _, ok := m.GetResult(key); ok {
		t.Fatal("expected result to be forgotten")
	}
	if _, ok := m.GetQuery(RejectKey("job1", 0.05, "json")); ok {
		t.Fatal("expected query to be forgotten")
	}
	if _, ok := m.GetQuery(RejectKey("job2", 0.05, "json")); !ok {
		t.Fatal("expected other job's query to survive")
	}

	stats := m.Stats()
	if stats["query_cache_len"] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}
