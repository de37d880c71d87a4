package reliability

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions
type Kind int

const (
	KindUnknown Kind = iota
	KindBrokerUnreachable
	KindConnectFailure
	KindSocket
	KindInvalidBody
	KindTimeout
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindBrokerUnreachable:
		return "broker-unreachable"
	case KindConnectFailure:
		return "connect-failure"
	case KindSocket:
		return "socket"
	case KindInvalidBody:
		return "invalid-body"
	case KindTimeout:
		return "timeout"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// KindError tags an underlying error with a Kind
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error", e.Kind)
	}
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// ErrorKind returns the attached kind
func (e *KindError) ErrorKind() Kind {
	return e.Kind
}

// Mark attaches kind to err. A nil err stays nil.
func Mark(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Kinded is implemented by error types that carry their own kind.
// *KindError is one.
type Kinded interface {
	ErrorKind() Kind
}

// KindOf returns the outermost kind in err's chain, whether attached with
// Mark or carried by a Kinded error, or KindUnknown
func KindOf(err error) Kind {
	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}
	return KindUnknown
}
