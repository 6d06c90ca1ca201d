package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned when a required config file is missing.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrInvalidYAML is returned when a config file fails to parse.
	ErrInvalidYAML = errors.New("invalid yaml")
	// ErrInvalidConfig wraps all validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LoadError annotates a load failure with the file it came from.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
