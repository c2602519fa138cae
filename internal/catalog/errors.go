package catalog

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Only ErrNotFound and ErrConfiguration are allowed to reach API callers.
// The other two degrade a classification stage to "no result".
var (
	ErrNotFound          = errors.New("hs code not found")
	ErrConfiguration     = errors.New("configuration error")
	ErrTransient         = errors.New("transient external error")
	ErrMalformedResponse = errors.New("malformed model response")
)

func NotFound(code string) error {
	return eris.Wrapf(ErrNotFound, "code %s", code)
}

func Configuration(format string, args ...any) error {
	return eris.Wrapf(ErrConfiguration, format, args...)
}

func Transient(err error, msg string) error {
	if err == nil {
		return eris.Wrap(ErrTransient, msg)
	}
	return WrapKind(ErrTransient, err, msg)
}

// WrapKind tags cause with one of the taxonomy errors; the result matches
// both under errors.Is.
func WrapKind(kind, cause error, msg string) error {
	return eris.Wrap(&wrapped{kind: kind, cause: cause}, msg)
}

func Malformed(format string, args ...any) error {
	return eris.Wrapf(ErrMalformedResponse, format, args...)
}

// IsSurfaced reports whether err may be returned to a caller as a hard failure.
func IsSurfaced(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConfiguration)
}

// wrapped lets an error match both its taxonomy kind and its original cause.
type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string   { return w.kind.Error() + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() []error { return []error{w.kind, w.cause} }
