package repository

import "errors"

// Store-level facts. Services translate these into typed API errors.
var (
	ErrNotFound               = errors.New("record not found")
	ErrAlreadyExists          = errors.New("record already exists")
	ErrConcurrentModification = errors.New("record modified concurrently")
)
