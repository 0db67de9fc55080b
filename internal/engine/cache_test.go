package engine

import (
	"testing"
	"time"

	"marketwatch/internal/clock"
	"marketwatch/internal/domain"
)

func TestCacheExpiryIsLazy(t *testing.T) {
	t.Parallel()
	clk := &clock.FixedClock{Current: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)}
	cache := newResultCache(300*time.Second, clk.Now)

	cache.put("key", domain.ConditionResult{Satisfied: true, Value: "50000"})
	if _, hit := cache.get("key"); !hit {
		t.Fatal("expected hit inside TTL window")
	}

	clk.Advance(299 * time.Second)
	if result, hit := cache.get("key"); !hit || !result.Satisfied {
		t.Fatal("expected hit just before expiry")
	}

	clk.Advance(2 * time.Second)
	if _, hit := cache.get("key"); hit {
		t.Fatal("expected miss after TTL")
	}
	if cache.size() != 0 {
		t.Fatalf("expected expired entry evicted on read, size=%d", cache.size())
	}
}

func TestCacheZeroTTLDisablesStorage(t *testing.T) {
	t.Parallel()
	cache := newResultCache(0, nil)
	cache.put("key", domain.ConditionResult{Satisfied: true})
	if _, hit := cache.get("key"); hit {
		t.Fatal("expected no storage with zero TTL")
	}
}

func TestCacheClear(t *testing.T) {
	t.Parallel()
	cache := newResultCache(time.Minute, nil)
	cache.put("a", domain.ConditionResult{Satisfied: true})
	cache.put("b", domain.ConditionResult{})
	if cache.size() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.size())
	}
	cache.clear()
	if cache.size() != 0 {
		t.Fatalf("expected empty cache after clear, got %d", cache.size())
	}
}
