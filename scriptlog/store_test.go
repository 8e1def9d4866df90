package scriptlog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStore_AppendAndGet(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{
			name:    "single entry",
			entries: []Entry{{Level: 1, Message: "hello", Timestamp: time.Unix(0, 0)}},
		},
		{
			name: "ordered multi-entry",
			entries: []Entry{
				{Level: 1, Message: "first", Timestamp: time.Unix(1, 0)},
				{Level: 3, Message: "second", Timestamp: time.Unix(2, 0)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			for _, e := range tt.entries {
				if err := store.Append("req-1", e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			got, err := store.Get("req-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(got) != len(tt.entries) {
				t.Fatalf("expected %d entries, got %d", len(tt.entries), len(got))
			}
			for i, e := range tt.entries {
				if got[i] != e {
					t.Fatalf("entry %d: expected %+v, got %+v", i, e, got[i])
				}
			}
		})
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBboltStore_AppendGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBboltStore(filepath.Join(dir, "scriptlog.db"))
	if err != nil {
		t.Fatalf("OpenBboltStore: %v", err)
	}
	defer store.Close()

	want := []Entry{
		{Level: 1, Message: "path=/widgets", Timestamp: time.Unix(100, 0)},
		{Level: 2, Message: "slow backend", Timestamp: time.Unix(101, 0)},
	}
	for _, e := range want {
		if err := store.Append("req-abc", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Get("req-abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) || got[i].Message != want[i].Message || got[i].Level != want[i].Level {
			t.Fatalf("entry %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestBboltStore_Expire(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBboltStore(filepath.Join(dir, "scriptlog.db"))
	if err != nil {
		t.Fatalf("OpenBboltStore: %v", err)
	}
	defer store.Close()

	old := Entry{Level: 1, Message: "ancient", Timestamp: time.Now().Add(-time.Hour)}
	fresh := Entry{Level: 1, Message: "recent", Timestamp: time.Now()}

	if err := store.Append("old-req", old); err != nil {
		t.Fatalf("Append old: %v", err)
	}
	if err := store.Append("fresh-req", fresh); err != nil {
		t.Fatalf("Append fresh: %v", err)
	}

	if err := store.expire(time.Minute); err != nil {
		t.Fatalf("expire: %v", err)
	}

	if _, err := store.Get("old-req"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old-req to be expired, got err=%v", err)
	}
	if _, err := store.Get("fresh-req"); err != nil {
		t.Fatalf("expected fresh-req to survive the sweep, got %v", err)
	}
}
