package models

import "errors"

// input errors
var (
	ErrUnsupportedFile = errors.New("unsupported file format")
	ErrEmptyExtraction = errors.New("no text could be extracted from the uploaded documents")
	ErrNoUploads       = errors.New("no documents uploaded")
	ErrEmptyQuestion   = errors.New("question is required")
)

// index errors
var (
	ErrIndexNotFound     = errors.New("no index exists for session")
	ErrEmbeddingMismatch = errors.New("index was built with a different embedding model")
)

// generation errors
var (
	ErrGeneration      = errors.New("generation service failed")
	ErrEmptyCompletion = errors.New("empty completion")
)

// session errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session is busy with another request")
	ErrInvalidSession  = errors.New("invalid session id")
)
