// Package persist stores interpreter snapshots on disk so stopped instances
// can be rehydrated later with statomat.WithSnapshot.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/arbelos/statomat/internal/chart"
)

// Store saves and loads snapshots keyed by instance id.
type Store interface {
	Save(ctx context.Context, id string, snap chart.Snapshot) error
	Load(ctx context.Context, id string) (chart.Snapshot, error)
}

// JSONStore is a file-based store using JSON serialization.
type JSONStore struct {
	dir string
}

// NewJSONStore creates a JSONStore, ensuring the directory exists.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) Save(ctx context.Context, id string, snap chart.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	fn := filepath.Join(s.dir, id+".json")
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fn, err)
	}

	return nil
}

func (s *JSONStore) Load(ctx context.Context, id string) (chart.Snapshot, error) {
	fn := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return chart.Snapshot{}, fmt.Errorf("instance %q: %w", id, os.ErrNotExist)
		}
		return chart.Snapshot{}, fmt.Errorf("read %s: %w", fn, err)
	}

	var snap chart.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return chart.Snapshot{}, fmt.Errorf("json unmarshal: %w", err)
	}

	return snap, nil
}

// YAMLStore is a file-based store using YAML serialization.
type YAMLStore struct {
	dir string
}

// NewYAMLStore creates a YAMLStore, ensuring the directory exists.
func NewYAMLStore(dir string) (*YAMLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &YAMLStore{dir: dir}, nil
}

func (s *YAMLStore) Save(ctx context.Context, id string, snap chart.Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}

	fn := filepath.Join(s.dir, id+".yaml")
	if err := os.WriteFile(fn, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fn, err)
	}

	return nil
}

func (s *YAMLStore) Load(ctx context.Context, id string) (chart.Snapshot, error) {
	fn := filepath.Join(s.dir, id+".yaml")
	data, err := os.ReadFile(fn)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return chart.Snapshot{}, fmt.Errorf("instance %q: %w", id, os.ErrNotExist)
		}
		return chart.Snapshot{}, fmt.Errorf("read %s: %w", fn, err)
	}

	var snap chart.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return chart.Snapshot{}, fmt.Errorf("yaml unmarshal: %w", err)
	}

	return snap, nil
}
