package persist

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/arbelos/statomat/internal/chart"
)

func sampleSnapshot() chart.Snapshot {
	return chart.Snapshot{
		Value:   "on.nowPlaying",
		Paths:   []string{"on.nowPlaying"},
		Context: chart.Context{"volume": 7, "track": "liminal"},
		Changed: true,
		History: map[string][]string{"on.resume": {"on.nowPlaying"}},
		Actions: []string{"assign"},
	}
}

func TestJSONStoreRoundTrip(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := store.Save(ctx, "player-1", sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "player-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Value != "on.nowPlaying" {
		t.Errorf("value = %v", got.Value)
	}
	if got.Context["track"] != "liminal" {
		t.Errorf("context = %v", got.Context)
	}
	if len(got.History["on.resume"]) != 1 || got.History["on.resume"][0] != "on.nowPlaying" {
		t.Errorf("history = %v", got.History)
	}
}

func TestYAMLStoreRoundTrip(t *testing.T) {
	store, err := NewYAMLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := store.Save(ctx, "player-1", sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "player-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Value != "on.nowPlaying" {
		t.Errorf("value = %v", got.Value)
	}
	if len(got.Paths) != 1 || got.Paths[0] != "on.nowPlaying" {
		t.Errorf("paths = %v", got.Paths)
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	store, err := NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Load(context.Background(), "nobody")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapped os.ErrNotExist", err)
	}
}
