package vhd

import (
	"errors"
	"fmt"
)

// Error kinds. Every operation that can fail wraps one of these with
// fmt.Errorf("%w", ...) so that errors.Is(err, vhd.ErrBadChecksum) (etc.)
// keeps working after the panic/recover round-trip that log.PanicIf/
// log.Wrap perform internally.
var (
	// ErrInvalidRecord means a footer, header, or parent-locator cookie did
	// not match the expected magic value, or the header version is
	// unsupported.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrBadChecksum means a footer or header checksum did not match the
	// one's-complement sum of its bytes.
	ErrBadChecksum = errors.New("bad checksum")

	// ErrFooterMismatch means the primary and end footer copies differ and
	// the caller required them to match.
	ErrFooterMismatch = errors.New("footer mismatch")

	// ErrBlockAbsent means readBlock was called against a BAT slot that is
	// BlockUnused.
	ErrBlockAbsent = errors.New("block absent")

	// ErrMultipleChildren means two VHDs in a directory scan name the same
	// parent.
	ErrMultipleChildren = errors.New("multiple children reference the same parent")

	// ErrParentMissing means a differencing VHD's declared parent could not
	// be found.
	ErrParentMissing = errors.New("parent missing")

	// ErrIoError wraps an underlying Handler failure.
	ErrIoError = errors.New("i/o error")

	// ErrAssertionFailure marks a violated structural invariant -- a bug in
	// the caller or in this package, never a consequence of untrusted input.
	ErrAssertionFailure = errors.New("assertion failure")
)

// wrapKind wraps err with kind so errors.Is(result, kind) holds, carrying
// format/context via msg.
func wrapKind(kind error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), kind)
}
