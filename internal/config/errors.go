package config

import (
	"errors"
	"fmt"
)

// ErrConfig matches every configuration error with errors.Is.
var ErrConfig = errors.New("configuration error")

// Error reports invalid configuration: a bad threshold, a missing path or an
// unparseable rule. Configuration errors abort a run before any image is
// processed.
type Error struct {
	// Source names the file, key or rule at fault.
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %v", ErrConfig, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrConfig, e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrConfig.
func (e *Error) Is(target error) bool { return target == ErrConfig }

// Errorf builds an *Error for source.
func Errorf(source, format string, args ...any) *Error {
	return &Error{Source: source, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches source to err. A nil err stays nil.
func Wrap(source string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Source: source, Err: err}
}
