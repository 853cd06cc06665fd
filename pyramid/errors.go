package pyramid

import "fmt"

// MetadataError reports a dataset whose root group lacks a usable
// multiscales descriptor.
type MetadataError struct {
	Reason string
	Err    error
}

func (e *MetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid pyramid metadata: %s: %v", e.Reason, e.Err)
	}
	return "invalid pyramid metadata: " + e.Reason
}

func (e *MetadataError) Unwrap() error { return e.Err }

// SelectorError reports a selector value absent from its coordinate vector,
// or a selected dimension the variable cannot be pinned along.
type SelectorError struct {
	Dimension string
	Value     float64
	Reason    string
}

func (e *SelectorError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid selector dimension %q: %s", e.Dimension, e.Reason)
	}
	return fmt.Sprintf("selector value %v not found in coordinates of dimension %q", e.Value, e.Dimension)
}

// ResolutionError reports a tile and selector that do not resolve to
// exactly one chunk and one 2D plane.
type ResolutionError struct {
	Chunks int
	Reason string
}

func (e *ResolutionError) Error() string {
	if e.Reason != "" {
		return "cannot resolve a single chunk: " + e.Reason
	}
	return fmt.Sprintf("cannot resolve a single chunk: selector matches %d chunks", e.Chunks)
}
