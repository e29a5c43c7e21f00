package session

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/srg/keytap/internal/device"
)

// Reference protocol values.
const (
	DefaultServiceUUID          = "7d2ea9a0-4c5e-4b8e-9f3a-1a2b3c4d5e6f"
	DefaultCharacteristicUUID   = "7d2ea9a1-4c5e-4b8e-9f3a-1a2b3c4d5e6f"
	DefaultScanTimeout          = 10 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 8 * time.Second
	DefaultSettleDelay          = 1500 * time.Millisecond
	DefaultSignalInterval       = 2 * time.Second
)

// Options configures a Machine.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string

	ScanTimeout    time.Duration
	ConnectTimeout time.Duration // bounds both the dial and service discovery
	WriteTimeout   time.Duration

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	SettleDelay    time.Duration
	SignalInterval time.Duration

	// AddressFilter, when set, admits only the peripheral with this address.
	AddressFilter string

	// Clock drives every timer and timeout; nil means wall time.
	Clock clock.Clock
}

// DefaultOptions returns the reference protocol configuration.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:          DefaultServiceUUID,
		CharacteristicUUID:   DefaultCharacteristicUUID,
		ScanTimeout:          DefaultScanTimeout,
		ConnectTimeout:       DefaultConnectTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMaxDelay:    DefaultReconnectMaxDelay,
		SettleDelay:          DefaultSettleDelay,
		SignalInterval:       DefaultSignalInterval,
	}
}

// Validate checks identifiers and durations.
func (o Options) Validate() error {
	if _, err := device.ValidateServiceUUID(o.ServiceUUID); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if _, err := device.ValidateServiceUUID(o.CharacteristicUUID); err != nil {
		return fmt.Errorf("characteristic: %w", err)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"scan timeout", o.ScanTimeout},
		{"connect timeout", o.ConnectTimeout},
		{"write timeout", o.WriteTimeout},
		{"reconnect base delay", o.ReconnectBaseDelay},
		{"reconnect max delay", o.ReconnectMaxDelay},
		{"signal interval", o.SignalInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}

	if o.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative, got %s", o.SettleDelay)
	}
	if o.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative, got %d", o.MaxReconnectAttempts)
	}
	if o.ReconnectMaxDelay < o.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is below base delay %s", o.ReconnectMaxDelay, o.ReconnectBaseDelay)
	}
	return nil
}

func (o Options) policy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: o.MaxReconnectAttempts,
		BaseDelay:   o.ReconnectBaseDelay,
		MaxDelay:    o.ReconnectMaxDelay,
	}
}
