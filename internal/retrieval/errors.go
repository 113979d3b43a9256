package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrNoChunks is returned when a document produced no chunks to index.
	ErrNoChunks = errors.New("document produced no chunks")

	// ErrNothingStored is returned when every chunk of a document failed to store.
	ErrNothingStored = errors.New("no chunks were stored")

	// ErrFileTooLarge is returned for files above MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")

	// ErrNoAnswerer is returned by Ask when no answer generator is configured.
	ErrNoAnswerer = errors.New("answer generation not configured")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageExtract Stage = "extract"
	StageChunk   Stage = "chunk"
	StageEmbed   Stage = "embed"
	StageStore   Stage = "store"
	StageSearch  Stage = "search"
	StageAnswer  Stage = "answer"
)

// StageError wraps a pipeline failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// FailedStage returns the stage of err, or "" when err carries none.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
