package cache

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestSetGetRoundTrip tests basic typed storage
func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)

	type session struct {
		Username string `json:"username"`
	}
	if err := c.Set("user_token:abc", session{Username: "conreg"}, NoExpiry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got session
	if !c.GetJSON("user_token:abc", &got) {
		t.Fatal("GetJSON() miss, want hit")
	}
	if got.Username != "conreg" {
		t.Errorf("username = %q, want conreg", got.Username)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) hit, want miss")
	}
}

// TestLazyExpiry tests that an expired entry disappears on read
func TestLazyExpiry(t *testing.T) {
	c := newTestCache(t)

	if err := c.Set("short", "v", 1); err != nil {
		t.Fatal(err)
	}
	if !c.Exists("short") {
		t.Fatal("entry missing before expiry")
	}

	// Force the entry past its ttl instead of sleeping.
	entry, _ := c.mem.Get("short")
	entry.CT = time.Now().Unix() - 2
	c.persist(entry)

	if c.Exists("short") {
		t.Error("entry still live past ttl")
	}
	if ttl := c.TTL("short"); ttl != TTLAbsent {
		t.Errorf("TTL() after expiry = %d, want %d", ttl, TTLAbsent)
	}
}

// TestTTLSemantics tests the -1/-2 ttl answers
func TestTTLSemantics(t *testing.T) {
	c := newTestCache(t)

	if ttl := c.TTL("none"); ttl != TTLAbsent {
		t.Errorf("TTL(absent) = %d, want %d", ttl, TTLAbsent)
	}

	c.Set("forever", 1, NoExpiry)
	if ttl := c.TTL("forever"); ttl != NoExpiry {
		t.Errorf("TTL(no expiry) = %d, want %d", ttl, NoExpiry)
	}

	c.Set("timed", 1, 60)
	if ttl := c.TTL("timed"); ttl <= 0 || ttl > 60 {
		t.Errorf("TTL(timed) = %d, want (0, 60]", ttl)
	}
}

// TestDiskTierRehydration tests that a memory eviction can be served
// from disk
func TestDiskTierRehydration(t *testing.T) {
	c := newTestCache(t)

	if err := c.Set("persist-me", 42, NoExpiry); err != nil {
		t.Fatal(err)
	}
	// Simulate memory-tier eviction only.
	c.mem.Remove("persist-me")

	var got int
	if !c.GetJSON("persist-me", &got) {
		t.Fatal("GetJSON() miss after memory eviction, want disk hit")
	}
	if got != 42 {
		t.Errorf("value = %d, want 42", got)
	}
	// And it should be back in memory now.
	if _, ok := c.mem.Get("persist-me"); !ok {
		t.Error("entry not re-hydrated into memory tier")
	}
}

// TestIncrement tests counter creation and accumulation
func TestIncrement(t *testing.T) {
	c := newTestCache(t)

	n, err := c.Increment("hits", 1)
	if err != nil || n != 1 {
		t.Fatalf("Increment() first = %d, %v, want 1, nil", n, err)
	}
	n, err = c.Increment("hits", 4)
	if err != nil || n != 5 {
		t.Fatalf("Increment() second = %d, %v, want 5, nil", n, err)
	}

	c.Set("text", "abc", NoExpiry)
	if _, err := c.Increment("text", 1); err == nil {
		t.Error("Increment() on non-integer value succeeded, want error")
	}
}

// TestRateLimit tests window counting and limit enforcement
func TestRateLimit(t *testing.T) {
	c := newTestCache(t)

	for i := 0; i < 3; i++ {
		ok, err := c.RateLimit("login:1.2.3.4", 3, 60)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("RateLimit() call %d denied, want allowed", i+1)
		}
	}
	ok, err := c.RateLimit("login:1.2.3.4", 3, 60)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("RateLimit() over limit allowed, want denied")
	}

	// The window clock starts at the first event.
	if ttl := c.TTL("login:1.2.3.4"); ttl <= 0 || ttl > 60 {
		t.Errorf("window ttl = %d, want (0, 60]", ttl)
	}
}

// TestLockUnlock tests mutual exclusion and release
func TestLockUnlock(t *testing.T) {
	c := newTestCache(t)

	ok, err := c.Lock("job", 30)
	if err != nil || !ok {
		t.Fatalf("Lock() = %v, %v, want true, nil", ok, err)
	}
	ok, _ = c.Lock("job", 30)
	if ok {
		t.Error("second Lock() acquired, want held")
	}

	if err := c.Unlock("job"); err != nil {
		t.Fatal(err)
	}
	ok, _ = c.Lock("job", 30)
	if !ok {
		t.Error("Lock() after Unlock() failed, want acquired")
	}
}
