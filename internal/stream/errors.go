package stream

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidRange        = errors.New("invalid range")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrUpstream            = errors.New("upstream error")
	ErrStalled             = fmt.Errorf("%w: source stalled", ErrUpstream)
	ErrShortRead           = fmt.Errorf("%w: source ended early", ErrUpstream)
	ErrInternal            = errors.New("internal error")
)

// RangeError rejects a Range header. Size is carried so the response can
// advertise the full length.
type RangeError struct {
	Size   int64
	Header string
	Reason string
	err    error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %q: %s", e.err, e.Header, e.Reason)
}

func (e *RangeError) Unwrap() error {
	return e.err
}

func invalidRange(size int64, header, reason string) error {
	return &RangeError{Size: size, Header: header, Reason: reason, err: ErrInvalidRange}
}

func unsatisfiableRange(size int64, header, reason string) error {
	return &RangeError{Size: size, Header: header, Reason: reason, err: ErrRangeNotSatisfiable}
}
