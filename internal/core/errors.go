package core

import (
	"errors"
	"fmt"
)

// InputError reports image bytes that could not be decoded or converted.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid image: %v", e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// ModelLoadError reports a checkpoint that is missing or does not fit the
// classifier. It is cached, so every later request sees the same error.
type ModelLoadError struct {
	Source string
	Err    error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("error loading model from %s: %v", e.Source, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// ExplainError means no importance map is available. The prediction it
// accompanies is still valid.
type ExplainError struct {
	Err error
}

func (e *ExplainError) Error() string {
	return fmt.Sprintf("explanation unavailable: %v", e.Err)
}

func (e *ExplainError) Unwrap() error {
	return e.Err
}

var ErrDegenerateMap = errors.New("importance map is uniformly zero")
