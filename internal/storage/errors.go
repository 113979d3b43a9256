package storage

import "errors"

var (
	ErrBackendUnreachable = errors.New("storage backend unreachable")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrDuplicateChunk     = errors.New("chunk id already exists")
	ErrInvalidChunk       = errors.New("invalid chunk")
	ErrClosed             = errors.New("repository closed")
)
