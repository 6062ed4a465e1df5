package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Run("valid capacity", func(t *testing.T) {
		c := New[string](100, 0)
		if c.capacity != 100 || c.ttl != 0 {
			t.Fatalf("capacity=%d ttl=%v", c.capacity, c.ttl)
		}
	})

	t.Run("non-positive capacity uses default", func(t *testing.T) {
		for _, n := range []int{0, -1} {
			if c := New[string](n, 0); c.capacity != 1024 {
				t.Fatalf("New(%d) capacity = %d, want 1024", n, c.capacity)
			}
		}
	})

	t.Run("ttl starts cleanup goroutine", func(t *testing.T) {
		c := New[int](10, time.Hour)
		if c.cleanupStop == nil {
			t.Fatal("expected cleanup goroutine")
		}
		c.Close()
		c.Close()
	})
}

func TestGetSet(t *testing.T) {
	c := New[string](10, 0)
	defer c.Close()

	c.Set("/a", "one")
	if v, ok := c.Get("/a"); !ok || v != "one" {
		t.Fatalf("Get(/a) = %q, %v", v, ok)
	}
	c.Set("/a", "two")
	if v, _ := c.Get("/a"); v != "two" {
		t.Fatalf("update lost, got %q", v)
	}
	if v, ok := c.Get("/missing"); ok || v != "" {
		t.Fatalf("missing key returned %q, %v", v, ok)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New[int](3, 0)
	c.Set("/1", 1)
	c.Set("/2", 2)
	c.Set("/3", 3)
	c.Get("/1")
	c.Set("/4", 4)

	if _, ok := c.Get("/2"); ok {
		t.Fatal("least recently used entry should be evicted")
	}
	for _, k := range []string{"/1", "/3", "/4"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s should still be cached", k)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("evictions = %d", c.Stats().Evictions)
	}
}

func TestTTLExpiration(t *testing.T) {
	c := New[string](10, time.Minute)
	defer c.Close()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("/a", "x")
	now = now.Add(30 * time.Second)
	if _, ok := c.Get("/a"); !ok {
		t.Fatal("entry expired too early")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("/a"); ok {
		t.Fatal("entry should have expired")
	}

	c.Set("/b", "y")
	now = now.Add(2 * time.Minute)
	c.cleanupOnce()
	if c.Size() != 0 {
		t.Fatalf("cleanup left %d entries", c.Size())
	}
	if got := c.Stats().Expired; got != 2 {
		t.Fatalf("expired = %d, want 2", got)
	}
}

func TestDeleteTree(t *testing.T) {
	c := New[int](10, 0)
	for i, k := range []string{"/dir", "/dir/a", "/dir/sub/b", "/dirx", "/other"} {
		c.Set(k, i)
	}
	c.DeleteTree("/dir")
	for _, k := range []string{"/dir", "/dir/a", "/dir/sub/b"} {
		if _, ok := c.Get(k); ok {
			t.Fatalf("%s should be removed", k)
		}
	}
	for _, k := range []string{"/dirx", "/other"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s should survive", k)
		}
	}
	c.Delete("/other")
	if c.Size() != 1 {
		t.Fatalf("size = %d", c.Size())
	}
	c.DeleteTree("/")
	if c.Size() != 0 {
		t.Fatalf("root delete left %d entries", c.Size())
	}
}

func TestClear(t *testing.T) {
	c := New[int](10, 0)
	c.Set("/a", 1)
	c.Set("/b", 2)
	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("size after clear = %d", c.Size())
	}
	c.Set("/c", 3)
	if _, ok := c.Get("/c"); !ok {
		t.Fatal("cache unusable after clear")
	}
}

func TestStats(t *testing.T) {
	c := New[int](5, 0)
	c.Set("/a", 1)
	c.Get("/a")
	c.Get("/a")
	c.Get("/b")
	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Size != 1 || s.Capacity != 5 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](64, time.Hour)
	defer c.Close()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("/k/%d", (g*200+i)%100)
				c.Set(key, i)
				c.Get(key)
				if i%50 == 0 {
					c.DeleteTree("/k/1")
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Size() > 64 {
		t.Fatalf("size %d exceeds capacity", c.Size())
	}
}
