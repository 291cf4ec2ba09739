package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds returned by every Client implementation. Match them with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("item not found")
	ErrConflict        = errors.New("item already exists")
	ErrRemote          = errors.New("remote request failed")
	ErrIO              = errors.New("local i/o failed")
)

// APIError is a non-2xx response from the remote drive.
type APIError struct {
	StatusCode int
	Code       string // Graph error code, e.g. "itemNotFound", "nameAlreadyExists"
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto an error kind.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	default:
		return ErrRemote
	}
}

// AsAPIError checks if an error is an APIError and returns it.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsRetryable reports whether repeating the failed operation may succeed.
// Throttling, server errors and transport failures are retryable; caller
// misuse, missing items and conflicts never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrIO) {
		return false
	}

	if ae, ok := AsAPIError(err); ok {
		return ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode >= 500
	}

	return errors.Is(err, ErrRemote)
}

// RequireFolder fails with ErrInvalidArgument unless item is a folder.
func RequireFolder(item Item, role string) error {
	if !item.IsFolder() {
		return fmt.Errorf("%w: %s %q is not a folder", ErrInvalidArgument, role, item.Name)
	}
	return nil
}

// RequireFile fails with ErrInvalidArgument if item is a folder.
func RequireFile(item Item) error {
	if item.IsFolder() {
		return fmt.Errorf("%w: %q is a folder, not a file", ErrInvalidArgument, item.Name)
	}
	return nil
}

// RequireName fails with ErrInvalidArgument for names the drive cannot store.
func RequireName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid item name %q", ErrInvalidArgument, name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' {
			return fmt.Errorf("%w: item name %q contains a path separator", ErrInvalidArgument, name)
		}
	}
	return nil
}
