package lru

import "testing"

func TestPutEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := NewCache[string, int](2, func(k string, _ int) {
		evicted = append(evicted, k)
	})

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected a evicted, got %v", evicted)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be gone")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Errorf("expected b=2, got %d (%v)", v, ok)
	}
}

func TestGetPromotes(t *testing.T) {
	var evicted []string
	c := NewCache[string, int](2, func(k string, _ int) {
		evicted = append(evicted, k)
	})

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // a is now most recent
	c.Put("c", 3)

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected b evicted, got %v", evicted)
	}
}

func TestPeekDoesNotPromote(t *testing.T) {
	c := NewCache[string, int](2, nil)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Peek("a")
	c.Put("c", 3)

	if _, ok := c.Peek("a"); ok {
		t.Error("peek should not have protected a from eviction")
	}
}

func TestPutWithGuardSkipsGuardedEntries(t *testing.T) {
	var evicted []string
	c := NewCache[string, int](2, func(k string, _ int) {
		evicted = append(evicted, k)
	})

	c.Put("a", 1)
	c.Put("b", 2)
	c.PutWithGuard("c", 3, func(k string, _ int) bool { return k == "a" })

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected b evicted, got %v", evicted)
	}
	if _, ok := c.Peek("a"); !ok {
		t.Error("guarded entry a should survive")
	}
}

func TestPutWithGuardAllGuardedGrows(t *testing.T) {
	c := NewCache[string, int](1, func(string, int) {
		t.Fatal("nothing should be evicted")
	})
	c.Put("a", 1)
	c.PutWithGuard("b", 2, func(string, int) bool { return true })

	if c.Len() != 2 {
		t.Errorf("expected cache to grow past capacity, len=%d", c.Len())
	}
}

func TestDeleteSkipsCallback(t *testing.T) {
	called := false
	c := NewCache[string, int](2, func(string, int) { called = true })
	c.Put("a", 1)

	if !c.Delete("a") {
		t.Fatal("delete reported missing key")
	}
	if called {
		t.Error("delete must not invoke eviction callback")
	}
	if c.Delete("a") {
		t.Error("second delete should report false")
	}
}

func TestUpdateExistingKeyKeepsLen(t *testing.T) {
	c := NewCache[string, int](2, nil)
	c.Put("a", 1)
	c.Put("a", 9)

	if c.Len() != 1 {
		t.Errorf("expected len 1, got %d", c.Len())
	}
	if v, _ := c.Get("a"); v != 9 {
		t.Errorf("expected updated value 9, got %d", v)
	}
}
