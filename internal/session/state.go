package session

import (
	"errors"
	"fmt"

	"github.com/srg/keytap/internal/device"
)

// Phase is the current step of an open attempt.
type Phase int

const (
	Idle Phase = iota
	Scanning
	Connecting
	Connected
	Opening
	Success
	Error
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Scanning:
		return "Scanning"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Opening:
		return "Opening"
	case Success:
		return "Success"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the observable connection state. Failure is set only in the Error phase.
type State struct {
	Phase   Phase
	Failure *Failure
}

// Busy reports whether an attempt is in progress. A new attempt may only be
// started from Idle, Success or Error.
func (s State) Busy() bool {
	switch s.Phase {
	case Scanning, Connecting, Connected, Opening:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	if s.Phase == Error && s.Failure != nil {
		if s.Failure.Retryable {
			return fmt.Sprintf("Error(%s, retryable)", s.Failure.Message)
		}
		return fmt.Sprintf("Error(%s)", s.Failure.Message)
	}
	return s.Phase.String()
}

// ErrorKind classifies why an attempt ended in Error.
type ErrorKind int

const (
	Unsupported ErrorKind = iota + 1
	Disabled
	NotFound
	ConnectFailed
	ConnectionLost
	ServiceMissing
	WriteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case Unsupported:
		return "unsupported"
	case Disabled:
		return "disabled"
	case NotFound:
		return "not found"
	case ConnectFailed:
		return "connect failed"
	case ConnectionLost:
		return "connection lost"
	case ServiceMissing:
		return "service not found"
	case WriteFailed:
		return "write failed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Retryable reports whether a caller-driven retry of the same attempt can succeed.
// A missing service is a configuration mismatch and never retryable.
func (k ErrorKind) Retryable() bool {
	switch k {
	case NotFound, ConnectFailed, ConnectionLost, WriteFailed:
		return true
	default:
		return false
	}
}

// Failure is the payload of the Error phase.
type Failure struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Err       error
}

func newFailure(kind ErrorKind, err error) *Failure {
	return &Failure{
		Kind:      kind,
		Message:   kind.String(),
		Retryable: kind.Retryable(),
		Err:       err,
	}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Message
	}
	return fmt.Sprintf("%s: %v", f.Message, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ClassifyError maps radio-level transport errors to an ErrorKind and falls
// back to the given kind for anything else.
func ClassifyError(err error, fallback ErrorKind) ErrorKind {
	var nf *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrUnsupported):
		return Unsupported
	case errors.Is(err, device.ErrBluetoothOff):
		return Disabled
	case errors.As(err, &nf) && nf.Resource != "peripheral":
		return ServiceMissing
	default:
		return fallback
	}
}

// SignalUnknown is reported by Machine.Signal when no reading is available.
const SignalUnknown = 127

var (
	// ErrBusy is returned when an open sequence is started while another is in progress.
	ErrBusy = errors.New("an open sequence is already in progress")

	// ErrClosed is returned by calls on a closed Machine.
	ErrClosed = errors.New("session is closed")
)
