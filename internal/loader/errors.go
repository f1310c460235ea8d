package loader

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a LoadError.
type ErrorKind string

const (
	KindUnreadable        ErrorKind = "unreadable"
	KindAmbiguous         ErrorKind = "ambiguous artifact"
	KindNoImplementation  ErrorKind = "no implementation found"
	KindDuplicateIdentity ErrorKind = "duplicate identity"
	KindNoUnits           ErrorKind = "no plugins loaded"
)

// LoadError reports a failure to load one artifact, or the whole directory.
type LoadError struct {
	Kind     ErrorKind
	Artifact string // file name or directory
	Identity string // set for ambiguous/duplicate
	Err      error
}

func (e *LoadError) Error() string {
	msg := "load " + e.Artifact + ": " + string(e.Kind)
	if e.Identity != "" {
		msg += " (" + e.Identity + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *LoadError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == kind
}

// Manifest validation errors.
var (
	ErrManifestAPIVersion = errors.New("manifest: unsupported apiVersion")
	ErrManifestName       = errors.New("manifest: invalid name")
	ErrManifestRuntime    = errors.New("manifest: unknown runtime")
	ErrManifestEntry      = errors.New("manifest: entry is required")
	ErrManifestTimeout    = errors.New("manifest: repeatable plugin needs timeout >= 1 or a schedule")
	ErrManifestTooLarge   = errors.New("manifest: too large")
)

// ErrEntryMissing is returned when a manifest points at a file the bundle does not contain.
var ErrEntryMissing = errors.New("bundle: entry not found")

func entryMissing(name string) error {
	return fmt.Errorf("%w: %s", ErrEntryMissing, name)
}
