package pipeline

import (
	"errors"
	"fmt"

	"dfeingest/internal/model"
)

var (
	ErrTerminal     = errors.New("document is completed or cancelled")
	ErrInvalidStage = errors.New("invalid stage")
	ErrUnknownLine  = errors.New("unknown document line")
)

// StageError wraps a downstream failure raised while running one stage.
// The document is left in Error with FailedStage set to Stage.
type StageError struct {
	Stage model.Status
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
