package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrNoSnapshot is returned when resume finds no snapshot to restore
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrStoreClosed is returned after Shutdown
	ErrStoreClosed = errors.New("state store is closed")
)
