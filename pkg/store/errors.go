package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist (or has expired)
	ErrNotFound = errors.New("store: not found")

	// ErrExists is returned when inserting a row whose key is already taken
	ErrExists = errors.New("store: already exists")
)
