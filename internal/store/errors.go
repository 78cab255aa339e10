package store

import (
	"errors"
	"fmt"
)

var (
	// ErrRootWrite is returned when a write addresses the root path.
	ErrRootWrite = errors.New("cannot write the root; use Reset")

	// ErrWildcardWrite is returned when a write path contains the
	// subscription wildcard.
	ErrWildcardWrite = errors.New("wildcard is not a writable segment")
)

// PathError records a rejected path.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}
