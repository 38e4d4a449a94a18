package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const cachedKey = "msk_cached_key"

func svc(name string) *Principal { return &Principal{KeyID: "key_" + name, Name: name} }

// expired returns a cache holding cachedKey whose fresh period is already over.
func expired(t *testing.T, staleFor time.Duration) *AuthCache {
	t.Helper()
	c := newAuthCache(time.Millisecond, staleFor)
	c.Set(cachedKey, svc("billing"))
	time.Sleep(5 * time.Millisecond)
	return c
}

func TestAuthCache_Lookup(t *testing.T) {
	c := NewAuthCache(time.Minute)
	c.Set(cachedKey, svc("billing"))

	tests := []struct {
		name string
		key  string
		want GetResult
	}{
		{"fresh entry", cachedKey, GetResult{Hit: true}},
		{"unknown key", "msk_other", GetResult{}},
		{"empty key", "", GetResult{}},
	}
	for _, tt := range tests {
		got := c.Get(tt.key)
		if got.Hit != tt.want.Hit || got.NeedsRefresh != tt.want.NeedsRefresh {
			t.Errorf("%s: Get = %+v, want hit=%v refresh=%v", tt.name, got, tt.want.Hit, tt.want.NeedsRefresh)
		}
		if got.Hit && got.Principal.Name != "billing" {
			t.Errorf("%s: principal = %+v", tt.name, got.Principal)
		}
		if !got.Hit && got.Principal != nil {
			t.Errorf("%s: miss returned principal %+v", tt.name, got.Principal)
		}
	}
}

func TestAuthCache_StaleServedWithSingleRefreshClaim(t *testing.T) {
	c := expired(t, time.Minute)

	first := c.Get(cachedKey)
	second := c.Get(cachedKey)
	if !first.Hit || !second.Hit {
		t.Fatalf("stale entry must still be served: %+v %+v", first, second)
	}
	if !first.NeedsRefresh || second.NeedsRefresh {
		t.Errorf("refresh claims = %v, %v; want true, false", first.NeedsRefresh, second.NeedsRefresh)
	}
	if second.Principal.Name != "billing" {
		t.Errorf("stale principal = %+v", second.Principal)
	}
}

func TestAuthCache_RefreshReplacesEntry(t *testing.T) {
	c := newAuthCache(50*time.Millisecond, time.Minute)
	c.Set(cachedKey, svc("billing"))
	time.Sleep(60 * time.Millisecond)
	if !c.Get(cachedKey).NeedsRefresh {
		t.Fatal("expected refresh claim")
	}

	c.Set(cachedKey, svc("billing-v2"))

	got := c.Get(cachedKey)
	if !got.Hit || got.NeedsRefresh || got.Principal.Name != "billing-v2" {
		t.Errorf("after refresh Get = %+v, want fresh billing-v2", got)
	}
	// A later expiry can be claimed again.
	time.Sleep(60 * time.Millisecond)
	if !c.Get(cachedKey).NeedsRefresh {
		t.Error("refreshed entry should be claimable once it expires again")
	}
}

func TestAuthCache_EvictedAfterStaleWindow(t *testing.T) {
	c := expired(t, 20*time.Millisecond)
	if !c.Get(cachedKey).Hit {
		t.Fatal("entry should be served stale inside the window")
	}

	time.Sleep(40 * time.Millisecond)

	if got := c.Get(cachedKey); got.Hit {
		t.Errorf("entry past ttl+staleFor still served: %+v", got)
	}
}

func TestAuthCache_SetExtendsLifetime(t *testing.T) {
	c := newAuthCache(10*time.Millisecond, 30*time.Millisecond)
	c.Set(cachedKey, svc("billing"))

	// Keep refreshing past the original ttl+staleFor.
	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		c.Set(cachedKey, svc("billing"))
	}
	if !c.Get(cachedKey).Hit {
		t.Error("regularly refreshed entry was evicted")
	}
}

func TestNewAuthCache_StaleWindowFloor(t *testing.T) {
	if got := NewAuthCache(time.Second).life; got != time.Second+minStaleFor {
		t.Errorf("short ttl: life = %v, want %v", got, time.Second+minStaleFor)
	}
	if got := NewAuthCache(time.Hour).life; got != 11*time.Hour {
		t.Errorf("long ttl: life = %v, want 11h", got)
	}
}

func TestAuthCache_Delete(t *testing.T) {
	c := NewAuthCache(time.Minute)
	c.Set(cachedKey, svc("billing"))
	c.Delete(cachedKey)

	if c.Get(cachedKey).Hit || c.Len() != 0 {
		t.Error("deleted key still cached")
	}
}

func TestAuthCache_KeysAreDigested(t *testing.T) {
	c := NewAuthCache(time.Minute)
	c.Set(cachedKey, svc("billing"))

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	for k := range c.entries.Items() {
		if k == cachedKey {
			t.Error("plaintext key used as cache key")
		}
	}
}

func TestAuthCache_ConcurrentStaleReadersClaimOnce(t *testing.T) {
	c := expired(t, time.Minute)

	var claims atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := c.Get(cachedKey)
			if !got.Hit {
				t.Error("stale entry not served")
			}
			if got.NeedsRefresh {
				claims.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := claims.Load(); n != 1 {
		t.Errorf("refresh claims = %d, want 1", n)
	}
}

func TestAuthCache_ConcurrentWriters(t *testing.T) {
	c := NewAuthCache(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Set(cachedKey, svc("billing"))
			if got := c.Get(cachedKey); !got.Hit || got.Principal.Name != "billing" {
				t.Errorf("Get during concurrent Set = %+v", got)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkAuthCache_FreshHit(b *testing.B) {
	c := NewAuthCache(5 * time.Minute)
	c.Set(cachedKey, svc("bench"))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if !c.Get(cachedKey).Hit {
				b.Fatal("expected hit")
			}
		}
	})
}
