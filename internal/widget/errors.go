package widget

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePath is wrapped by RegistrationError when a path is already registered.
	ErrDuplicatePath = errors.New("duplicate widget path")

	// ErrNotFound is wrapped by LookupError.
	ErrNotFound = errors.New("widget not found")

	// ErrNoModule is returned by Descriptor.Load when the widget has no loader.
	ErrNoModule = errors.New("widget has no module loader")
)

// RegistrationError is returned when a descriptor cannot be added to a Registry.
type RegistrationError struct {
	Path string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register widget %q: %v", e.Path, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// LookupError is returned when no widget is registered under Path.
// Suggestion holds the closest registered path, if any is close enough.
type LookupError struct {
	Path       string
	Suggestion string
}

func (e *LookupError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("widget %q not found (did you mean %q?)", e.Path, e.Suggestion)
	}
	return fmt.Sprintf("widget %q not found", e.Path)
}

func (e *LookupError) Unwrap() error { return ErrNotFound }
