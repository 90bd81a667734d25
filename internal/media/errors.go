package media

import (
	"errors"
	"fmt"
)

var (
	// ErrTooLarge is matched by every TooLargeError.
	ErrTooLarge = errors.New("media too large")
	// ErrPathTraversal indicates a scratch key tried to leave the scratch dir.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)

// TooLargeError reports a download that exceeded its byte limit.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("media exceeds %d bytes", e.Limit)
}

func (e *TooLargeError) Is(target error) bool {
	return target == ErrTooLarge
}
