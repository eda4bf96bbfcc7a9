package probe

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitConnect  = 1
	ExitInsecure = 2
	ExitSend     = 3
	ExitAuth     = 4
	ExitUsage    = 64
)

// Kind classifies a failed probe.
type Kind int

const (
	// KindConnect covers dial failures, a banner other than 220 and a failed EHLO.
	KindConnect Kind = iota + 1
	// KindInsecure means TLS was requested but the upgrade did not happen.
	KindInsecure
	// KindAuth means AUTH was rejected or could not be attempted.
	KindAuth
	// KindSend means the server refused the sender, the recipient or the message.
	KindSend
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindInsecure:
		return "starttls"
	case KindAuth:
		return "auth"
	case KindSend:
		return "send"
	default:
		return "unknown"
	}
}

// ExitCode returns the process exit code for the kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindConnect:
		return ExitConnect
	case KindInsecure:
		return ExitInsecure
	case KindAuth:
		return ExitAuth
	case KindSend:
		return ExitSend
	default:
		return ExitConnect
	}
}

// Error is the failure of a probe step.
type Error struct {
	Kind Kind
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode maps the result of Run to a process exit code. Errors that are
// not an *Error count as connection failures.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var probeErr *Error
	if errors.As(err, &probeErr) {
		return probeErr.Kind.ExitCode()
	}
	return ExitConnect
}
