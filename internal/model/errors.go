package model

import "fmt"

// LoadError reports a model or label artifact that could not be loaded:
// a missing or malformed file, or a network whose shape does not match
// what the service was configured for.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed forward pass, including tensors whose
// shape does not match the loaded network.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
