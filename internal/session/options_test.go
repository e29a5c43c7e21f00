package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsAreValid(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate(), "reference configuration MUST validate")

	p := opts.policy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 8*time.Second, p.MaxDelay)
}

func TestOptionsValidate(t *testing.T) {
	// GOAL: Verify configuration mistakes are rejected before a machine starts
	//
	// TEST SCENARIO: Break one field at a time → Validate names the offending field

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"short service uuid", func(o *Options) { o.ServiceUUID = "180f" }, "service: UUID 180f must be a 128-bit identifier"},
		{"malformed characteristic", func(o *Options) { o.CharacteristicUUID = "not-a-uuid" }, "characteristic: invalid UUID format"},
		{"empty service", func(o *Options) { o.ServiceUUID = "" }, "service: UUID at index 0 cannot be empty"},
		{"zero scan timeout", func(o *Options) { o.ScanTimeout = 0 }, "scan timeout must be positive"},
		{"negative write timeout", func(o *Options) { o.WriteTimeout = -time.Second }, "write timeout must be positive"},
		{"negative settle", func(o *Options) { o.SettleDelay = -1 }, "settle delay must not be negative"},
		{"negative attempts", func(o *Options) { o.MaxReconnectAttempts = -1 }, "max reconnect attempts must not be negative"},
		{"max below base", func(o *Options) { o.ReconnectMaxDelay = 500 * time.Millisecond }, "reconnect max delay 500ms is below base delay 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptionsAcceptZeroSettleDelay(t *testing.T) {
	opts := DefaultOptions()
	opts.SettleDelay = 0
	opts.MaxReconnectAttempts = 0
	assert.NoError(t, opts.Validate())
}
