package belief

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type clockedStore interface {
	Store
	SetClock(func() time.Time)
}

func backends(t *testing.T) map[string]clockedStore {
	t.Helper()
	sqlStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "beliefs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]clockedStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}
			if err := store.Set(ctx, "k", "v1", 0); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := store.Set(ctx, "k", "v2", 0); err != nil {
				t.Fatalf("Set() overwrite error = %v", err)
			}
			got, err := store.Get(ctx, "k")
			if err != nil || got != "v2" {
				t.Errorf("Get(k) = %q, %v, want v2", got, err)
			}
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1_700_000_000, 0)
			store.SetClock(func() time.Time { return now })

			if err := store.Set(ctx, "short", "x", time.Minute); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := store.Set(ctx, "forever", "y", 0); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if _, err := store.Get(ctx, "short"); err != nil {
				t.Errorf("Get(short) before expiry error = %v", err)
			}

			now = now.Add(2 * time.Minute)
			if _, err := store.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(short) after expiry error = %v, want ErrNotFound", err)
			}
			got, err := store.BatchGet(ctx, []string{"short", "forever"})
			if err != nil {
				t.Fatalf("BatchGet() error = %v", err)
			}
			if len(got) != 1 || got["forever"] != "y" {
				t.Errorf("BatchGet() = %v, want only forever", got)
			}
		})
	}
}

func TestStore_Batch(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := store.BatchSet(ctx, []Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}, {Key: "a", Value: "3"}})
			if err != nil {
				t.Fatalf("BatchSet() error = %v", err)
			}
			got, err := store.BatchGet(ctx, []string{"a", "b", "c"})
			if err != nil {
				t.Fatalf("BatchGet() error = %v", err)
			}
			if len(got) != 2 || got["a"] != "3" || got["b"] != "2" {
				t.Errorf("BatchGet() = %v", got)
			}
		})
	}
}

func TestClient_Namespacing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := NewClient(store, "run-1")
	other := run.WithPrefix("run-2")

	if err := run.Write(ctx, []Entry{{Key: "plan", Value: "p1"}}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := other.Get(ctx, "plan"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other namespace saw key: %v", err)
	}
	if raw, _ := store.Get(ctx, "run-1/plan"); raw != "p1" {
		t.Errorf("stored key = %q, want run-1/plan", raw)
	}

	got, err := run.Read(ctx, []string{"plan", "absent"})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 1 || got["plan"] != "p1" {
		t.Errorf("Read() = %v", got)
	}
}

func TestClient_JSON(t *testing.T) {
	ctx := context.Background()
	c := NewClient(NewMemoryStore(), "")
	type note struct {
		Step int    `json:"step"`
		Text string `json:"text"`
	}
	if err := c.SetJSON(ctx, "n", note{Step: 2, Text: "hi"}, 0); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	var got note
	if err := c.GetJSON(ctx, "n", &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.Step != 2 || got.Text != "hi" {
		t.Errorf("GetJSON() = %+v", got)
	}
}
