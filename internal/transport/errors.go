package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrDuplicateWait    = errors.New("a reply of this type is already being waited for")
	ErrReplyTimeout     = errors.New("timed out waiting for reply")
)

// BindError is returned when a listener could not be bound to its address.
type BindError struct {
	Addr netip.AddrPort
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// StartupError is returned when no listener could be bound at all.
type StartupError struct {
	Port int
	Err  error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("port %d occupied on every interface", e.Port)
	}
	return fmt.Sprintf("port %d occupied on every interface: %v", e.Port, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// PartialBindError is returned in strict mode when some, but not all,
// addresses could be bound. The listeners that did bind have been stopped.
type PartialBindError struct {
	Port   int
	Failed []*BindError
}

func (e *PartialBindError) Error() string {
	addrs := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		addrs[i] = f.Addr.Addr().String()
	}
	return fmt.Sprintf("port %d occupied on %d interface(s): %s", e.Port, len(e.Failed), strings.Join(addrs, ", "))
}

func (e *PartialBindError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, f := range e.Failed {
		errs[i] = f
	}
	return errs
}
