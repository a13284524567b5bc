// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
)

const (
	// KindNotFound is a clean miss; expected when probing.
	KindNotFound Kind = iota + 1
	// KindTransient is a network or mount blip worth one re-initialisation and retry.
	KindTransient
	// KindProtocol is a bad server response (HTTP 4xx/5xx, FTP permanent reply).
	KindProtocol
	// KindIO is a short read/write or broken pipe; it aborts the current node.
	KindIO
	// KindResource is a fork, mount or allocation failure; it aborts the whole run.
	KindResource
	// KindPolicy marks an export-restricted component that is absent. It is reported
	// as a warning rather than a failure.
	KindPolicy
)

var (
	// ErrNotFound is the sentinel for KindNotFound.
	ErrNotFound = errors.New("not found")
	// ErrTransient is the sentinel for KindTransient.
	ErrTransient = errors.New("transient failure")
	// ErrProtocol is the sentinel for KindProtocol.
	ErrProtocol = errors.New("protocol error")
	// ErrIO is the sentinel for KindIO.
	ErrIO = errors.New("i/o error")
	// ErrResource is the sentinel for KindResource.
	ErrResource = errors.New("resource failure")
	// ErrPolicy is the sentinel for KindPolicy.
	ErrPolicy = errors.New("restricted component unavailable")
)

type (
	// Kind classifies a failure by how far it propagates.
	Kind int

	// Error is a classified failure. It matches its Kind's sentinel with errors.Is
	// and unwraps to the underlying cause.
	Error struct {
		Kind Kind
		// Op is the operation that failed, e.g. "fetch" or "mount".
		Op string
		// Path is the file, device or package involved (optional).
		Path string
		// Err is the underlying cause (optional).
		Err error
	}
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindResource:
		return "resource"
	case KindPolicy:
		return "policy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinel returns the package-level sentinel error for the kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindTransient:
		return ErrTransient
	case KindProtocol:
		return ErrProtocol
	case KindResource:
		return ErrResource
	case KindPolicy:
		return ErrPolicy
	default:
		return ErrIO
	}
}

// Soft reports whether failures of this kind are resolved without surfacing to the user.
func (k Kind) Soft() bool {
	return k == KindNotFound || k == KindTransient || k == KindPolicy
}

// New creates a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// NotFound creates a KindNotFound error for path.
func NotFound(op, path string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Path: path}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Kind.Sentinel().Error()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.Sentinel()}
	}
	return []error{e.Kind.Sentinel(), e.Err}
}

// KindOf classifies err. Errors that carry no Kind are treated as KindIO; a nil
// error has kind 0.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{KindNotFound, KindTransient, KindProtocol, KindResource, KindPolicy} {
		if errors.Is(err, k.Sentinel()) {
			return k
		}
	}
	return KindIO
}

// IsNotFound reports whether err is a clean miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
