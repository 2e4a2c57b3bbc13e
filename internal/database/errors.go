package database

import "errors"

var (
	ErrNotFound       = errors.New("record not found")
	ErrStatusConflict = errors.New("status changed concurrently")
	ErrDuplicateTask  = errors.New("unfinished task with the same key already exists")
	ErrBadTransition  = errors.New("booking status transition not allowed")
)
