package milter

import (
	"errors"
	"fmt"

	"github.com/go-mail/miltr/internal/wire"
)

// ErrorKind classifies a failure the milter wire protocol can produce, matching
// the taxonomy both ClientSession and serverSession surface to callers: a bad
// frame (InvalidData), a short read (NotEnoughData), an oversized frame
// (TooMuchData), a negotiation mismatch (Compatibility), a transport failure
// that is passed through verbatim (Transport), something the protocol state
// machine did not expect (Unexpected), or a callback failure on the server
// side (Impl).
type ErrorKind int

const (
	ErrUnexpected ErrorKind = iota
	ErrInvalidData
	ErrNotEnoughData
	ErrTooMuchData
	ErrCompatibility
	ErrTransport
	ErrImpl
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidData:
		return "invalid data"
	case ErrNotEnoughData:
		return "not enough data"
	case ErrTooMuchData:
		return "too much data"
	case ErrCompatibility:
		return "compatibility"
	case ErrTransport:
		return "transport"
	case ErrImpl:
		return "implementation"
	default:
		return "unexpected"
	}
}

// ProtocolError wraps a failure with the ErrorKind a caller needs to decide
// whether it is worth retrying, logging, or tearing the connection down.
type ProtocolError struct {
	Kind    ErrorKind
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("milter: %s: %s", e.Context, e.Kind)
	}
	return fmt.Sprintf("milter: %s: %s: %v", e.Context, e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(kind ErrorKind, context string, err error) error {
	return &ProtocolError{Kind: kind, Context: context, Err: err}
}

// requireSubset checks that requested is a subset of offered, as the OPTNEG
// exchange requires in both directions (a client may not request actions or
// protocol bits the other side did not offer, and vice versa). It returns the
// accepted (requested&offered) value, or a ErrCompatibility ProtocolError
// describing what was asked for versus what was actually on the table.
func requireSubset(what string, requested, offered uint32) (uint32, error) {
	if requested&offered != requested {
		return 0, newProtocolError(ErrCompatibility, "negotiate",
			fmt.Errorf("%s: requested %#x is not a subset of offered %#x", what, requested, offered))
	}
	return requested & offered, nil
}

// wrapTransportErr classifies an error coming out of internal/wire. A
// FrameSizeError, on either the read or the write side, becomes a
// TooMuchData ProtocolError; everything else (EOF, net.ErrClosed, deadline
// exceeded, the session's own errCloseSession) is passed through unchanged so
// callers that errors.Is against those sentinels keep working.
func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	var sizeErr *wire.FrameSizeError
	if errors.As(err, &sizeErr) {
		return newProtocolError(ErrTooMuchData, "transport", sizeErr)
	}
	return err
}
