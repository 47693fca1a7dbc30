package backend

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned when the backend denies access to a resource
var ErrForbidden = errors.New("access denied")

// StatusError is an unexpected, non-2xx backend response
type StatusError struct {
	Code     int
	Body     string
	Resource string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected response from server for %s: status %d", e.Resource, e.Code)
	}
	return fmt.Sprintf("unexpected response from server for %s: %s", e.Resource, e.Body)
}

// Is lets errors.Is match ErrForbidden for 403 responses
func (e *StatusError) Is(target error) bool {
	return target == ErrForbidden && e.Code == 403
}

// NotFound reports whether the backend answered 404
func (e *StatusError) NotFound() bool {
	return e.Code == 404
}

// IsNotFound reports whether err is a 404 from the backend
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.NotFound()
}
