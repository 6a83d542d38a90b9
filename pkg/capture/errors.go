package capture

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for acquisition failures. The session state machine maps
// these onto user-facing notifications.
var (
	// ErrPermissionDenied is returned when the user declined capture access.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrUnsupported is returned when the platform lacks capture capability.
	ErrUnsupported = errors.New("capture: not supported on this platform")

	// ErrAborted is returned when the user cancelled the capture picker.
	// This is informational, not a hard failure.
	ErrAborted = errors.New("capture: acquisition aborted")

	// ErrSourceEnded is returned when the source terminated externally
	// mid-session.
	ErrSourceEnded = errors.New("capture: source ended")

	// ErrNoAudio is returned by ReadSpectrum on a video-only source.
	ErrNoAudio = errors.New("capture: no audio track")

	// ErrNotAcquired is returned when reading from a source before
	// Acquire succeeded.
	ErrNotAcquired = errors.New("capture: source not acquired")

	// ErrReleased is returned when using a source after Release.
	ErrReleased = errors.New("capture: source released")
)

// BackendError wraps a backend-native error with backend context.
type BackendError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("capture [%s]: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with backend context.
func WrapError(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Err: err}
}

// Classify maps a backend-native acquisition error onto one of the sentinel
// errors where that is unambiguous, wrapping so the original stays reachable
// via errors.Is/As. Unclassifiable errors are returned wrapped but unmapped.
func Classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupported) || errors.Is(err, ErrAborted) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, backend, err)
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "not found") || strings.Contains(msg, "unsupported"):
		return fmt.Errorf("%w: %s: %v", ErrUnsupported, backend, err)
	case strings.Contains(msg, "cancel") || strings.Contains(msg, "abort"):
		return fmt.Errorf("%w: %s: %v", ErrAborted, backend, err)
	}
	return WrapError(backend, err)
}
