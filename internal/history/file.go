package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// File stores the history as a single indented JSON array, newest first.
// Writes go to a temporary file renamed over the old one.
type File struct {
	mx   sync.Mutex
	path string
}

func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("history file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	return &File{path: path}, nil
}

func (f *File) Append(_ context.Context, rec model.Execution) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	records, err := f.load()
	if err != nil {
		return err
	}
	records = append([]model.Execution{rec}, records...)
	return f.save(records)
}

func (f *File) List(_ context.Context) ([]model.Execution, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.load()
}

func (f *File) Get(_ context.Context, id string) (model.Execution, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	records, err := f.load()
	if err != nil {
		return model.Execution{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return model.Execution{}, model.ErrNotFound
}

func (f *File) Prune(_ context.Context, keep int) (int, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	records, err := f.load()
	if err != nil {
		return 0, err
	}
	if keep < 0 || len(records) <= keep {
		return 0, nil
	}
	removed := len(records) - keep
	return removed, f.save(records[:keep])
}

func (f *File) Close() error {
	return nil
}

// Ping checks the history directory is still there. The file itself is
// created by the first Append.
func (f *File) Ping(_ context.Context) error {
	info, err := os.Stat(filepath.Dir(f.path))
	if err != nil {
		return fmt.Errorf("history directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("history directory %s is not a directory", filepath.Dir(f.path))
	}
	return nil
}

func (f *File) load() ([]model.Execution, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.Execution{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	var records []model.Execution
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("decoding history %s: %w", f.path, err)
	}
	if records == nil {
		records = []model.Execution{}
	}
	return records, nil
}

func (f *File) save(records []model.Execution) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".history-*.json")
	if err != nil {
		return fmt.Errorf("creating history file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing history: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing history: %w", err)
	}
	return nil
}
