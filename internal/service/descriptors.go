package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// DescriptorSource resolves a tool id to the path of its descriptor.
type DescriptorSource interface {
	Path(ctx context.Context, toolID string) (string, error)
}

// DirDescriptors reads descriptors from <dir>/<toolId>.json.
type DirDescriptors string

func (d DirDescriptors) Path(_ context.Context, toolID string) (string, error) {
	path, err := filepath.Abs(filepath.Join(string(d), toolID+".json"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: %s", model.ErrDescriptorMissing, toolID)
	case err != nil:
		return "", err
	case info.IsDir():
		return "", fmt.Errorf("%w: %s is a directory", model.ErrDescriptorMissing, path)
	}
	return path, nil
}
