package models

import "errors"

// Error classes. Callers wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrConfiguration rejects invalid settings before any I/O happens
	ErrConfiguration = errors.New("invalid configuration")

	// ErrDegenerate marks numerical failures such as an empty filtered OD set
	ErrDegenerate = errors.New("numerical degeneracy")

	// ErrIO marks failed sector reads and image writes
	ErrIO = errors.New("i/o failure")

	// ErrCleanup is returned when temporary tiles cannot be safely removed
	ErrCleanup = errors.New("cleanup refused")
)
