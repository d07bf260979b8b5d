package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestKey(t *testing.T) {
	got := Key("t1", "R5", "Patient", "abc")
	want := "t1:R5:Patient/abc"
	if got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestKeysFromDifferentTenantsNeverCollide(t *testing.T) {
	a := Key("tenantA", "R5", "Patient", "same-id")
	b := Key("tenantB", "R5", "Patient", "same-id")
	if a == b {
		t.Fatal("keys for distinct tenants collide")
	}

	prefixA := TenantPrefix("tenantA")
	if len(b) >= len(prefixA) && b[:len(prefixA)] == prefixA {
		t.Error("tenant B key matched tenant A prefix")
	}
}

// storeUnderTest runs the Store contract against any implementation.
func storeUnderTest(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("get miss", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "nope")
		if err != nil || ok {
			t.Errorf("Get(miss) = (%v, %v), want miss without error", ok, err)
		}
	})

	t.Run("set then get", func(t *testing.T) {
		if err := s.Set(ctx, Key("t1", "R5", "Patient", "a"), []byte(`{"x":1}`), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		data, ok, err := s.Get(ctx, Key("t1", "R5", "Patient", "a"))
		if err != nil || !ok {
			t.Fatalf("Get = (%v, %v)", ok, err)
		}
		if string(data) != `{"x":1}` {
			t.Errorf("data = %s", data)
		}
	})

	t.Run("delete", func(t *testing.T) {
		key := Key("t1", "R5", "Patient", "b")
		_ = s.Set(ctx, key, []byte("v"), time.Minute)
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok, _ := s.Get(ctx, key); ok {
			t.Error("key survived delete")
		}
	})

	t.Run("delete by tenant prefix", func(t *testing.T) {
		_ = s.Set(ctx, Key("t2", "R5", "Patient", "x"), []byte("v"), time.Minute)
		_ = s.Set(ctx, Key("t2", "R5", "Observation", "y"), []byte("v"), time.Minute)
		_ = s.Set(ctx, Key("t3", "R5", "Patient", "z"), []byte("v"), time.Minute)

		n, err := s.DeletePrefix(ctx, TenantPrefix("t2"))
		if err != nil {
			t.Fatalf("DeletePrefix: %v", err)
		}
		if n != 2 {
			t.Errorf("removed = %d, want 2", n)
		}
		if _, ok, _ := s.Get(ctx, Key("t3", "R5", "Patient", "z")); !ok {
			t.Error("other tenant's entry was removed")
		}
	})

	t.Run("delete by type across tenants", func(t *testing.T) {
		_ = s.Set(ctx, Key("t4", "R5", "CarePlan", "x"), []byte("v"), time.Minute)
		_ = s.Set(ctx, Key("t5", "R5", "CarePlan", "y"), []byte("v"), time.Minute)
		_ = s.Set(ctx, Key("t5", "R5", "Patient", "p"), []byte("v"), time.Minute)

		n, err := s.DeleteContaining(ctx, TypeSuffix("R5", "CarePlan"))
		if err != nil {
			t.Fatalf("DeleteContaining: %v", err)
		}
		if n != 2 {
			t.Errorf("removed = %d, want 2", n)
		}
		if _, ok, _ := s.Get(ctx, Key("t5", "R5", "Patient", "p")); !ok {
			t.Error("unrelated type was removed")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), -time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expired entry returned")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	storeUnderTest(t, s)
}

func TestRedisStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), time.Second)
	mr.FastForward(2 * time.Second)

	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("entry survived TTL expiry")
	}
}
