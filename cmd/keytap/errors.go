package main

import (
	"errors"
	"fmt"

	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/session"
	"github.com/srg/keytap/internal/store"
	"github.com/srg/keytap/internal/vault"
)

// Command-level errors
var (
	// ErrInvalidArgs wraps argument and flag validation failures.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrInvalidToken indicates the token is not a canonical 36-character UUID.
	ErrInvalidToken = errors.New("invalid token")

	// ErrOpenFailed indicates the open sequence ended in the Error state.
	// It is joined with the *session.Failure that ended it.
	ErrOpenFailed = errors.New("open failed")
)

// FormatUserError renders err for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var failure *session.Failure
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; turn it on and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not available on this machine"
	case errors.Is(err, vault.ErrDecrypt):
		return fmt.Sprintf("%v (was %s changed?)", err, vault.PassphraseEnv)
	case errors.Is(err, store.ErrProfileNotFound):
		return fmt.Sprintf("%v (see 'keytap profile list')", err)
	case errors.As(err, &failure):
		msg := fmt.Sprintf("open failed: %s", failure.Error())
		if failure.Retryable {
			msg += " (retryable, try again or pass --retries)"
		}
		return msg
	}
	return err.Error()
}
