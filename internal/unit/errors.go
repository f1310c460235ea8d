package unit

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrFatal marks an unrecoverable plugin state; the plugin is removed.
	ErrFatal = errors.New("plugin fatal failure")
	// ErrInterrupted marks a cancelled or timed-out run; the plugin survives.
	ErrInterrupted = errors.New("plugin run interrupted")
	// ErrNotFound is returned when the identity vanished before dispatch.
	ErrNotFound = errors.New("plugin not found")
)

// Class is the recovery class of a run result.
type Class int

const (
	ClassOK Class = iota
	// ClassFailed is a recoverable error: logged, plugin kept.
	ClassFailed
	ClassFatal
	ClassInterrupted
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassFailed:
		return "failed"
	case ClassFatal:
		return "fatal"
	case ClassInterrupted:
		return "interrupted"
	case ClassNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Fatal marks err as unrecoverable.
//
//	return unit.Fatal(fmt.Errorf("credentials revoked: %w", err))
func Fatal(err error) error {
	if err == nil {
		err = errors.New("fatal")
	}
	return classified{err: err, class: ErrFatal}
}

// Interrupted marks err as an interruption.
func Interrupted(err error) error {
	if err == nil {
		err = errors.New("interrupted")
	}
	return classified{err: err, class: ErrInterrupted}
}

type classified struct {
	err   error
	class error
}

func (e classified) Error() string { return e.err.Error() }

// Unwrap exposes both the cause and the class sentinel to errors.Is.
func (e classified) Unwrap() []error { return []error{e.err, e.class} }

// Classify maps a run error to its recovery class.
// Fatal wins over interruption when both are present.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassOK
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassInterrupted
	default:
		return ClassFailed
	}
}
