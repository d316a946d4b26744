package config

import (
	"fmt"
)

// LoadError wraps a failure to read, expand, or parse the configuration.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading config %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError reports a single invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}
