package band

import (
	"errors"
	"fmt"

	"github.com/lowaak/band-relay/internal/bt"
)

// ErrorKind classifies device session failures. The string value is the tag
// sent to relay clients.
type ErrorKind string

const (
	KindDeviceNotFound        ErrorKind = "DeviceNotFound"
	KindDeviceDisconnected    ErrorKind = "DeviceDisconnected"
	KindNotAuthenticated      ErrorKind = "NotAuthenticated"
	KindAccessDenied          ErrorKind = "AccessDenied"
	KindAuthenticationRefused ErrorKind = "AuthenticationRefused"
	KindUserDidNotTouch       ErrorKind = "UserDidNotTouch"
	KindPlatformFault         ErrorKind = "PlatformFault"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrDeviceNotFound        = &Error{Kind: KindDeviceNotFound}
	ErrDeviceDisconnected    = &Error{Kind: KindDeviceDisconnected}
	ErrNotAuthenticated      = &Error{Kind: KindNotAuthenticated}
	ErrAccessDenied          = &Error{Kind: KindAccessDenied}
	ErrAuthenticationRefused = &Error{Kind: KindAuthenticationRefused}
	ErrUserDidNotTouch       = &Error{Kind: KindUserDidNotTouch}
	ErrPlatformFault         = &Error{Kind: KindPlatformFault}
)

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// writeError maps a failed attribute write to a session error kind.
func writeError(err error, attr bt.Attribute) *Error {
	if errors.Is(err, bt.ErrNotConnected) {
		return newError(KindDeviceDisconnected, err, "device disconnected while writing %s", attr)
	}
	return newError(KindAccessDenied, err, "write to %s refused", attr)
}

func subscribeError(err error, attr bt.Attribute) *Error {
	if errors.Is(err, bt.ErrNotConnected) {
		return newError(KindDeviceDisconnected, err, "device disconnected while subscribing to %s", attr)
	}
	return newError(KindAccessDenied, err, "subscribe to %s refused", attr)
}
