package storage

import "errors"

var (
	ErrContainerNotFound = errors.New("container not found")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentExists    = errors.New("document already exists")
	ErrVersionMismatch   = errors.New("document version mismatch")
	ErrDocumentIDEmpty   = errors.New("document id cannot be empty")
	ErrContainerEmpty    = errors.New("container name cannot be empty")
)
