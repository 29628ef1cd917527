package model

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidRequest    = errors.New("invalid launch request")
	ErrDescriptorMissing = errors.New("tool descriptor not available")
)
