package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "peripheral"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	// Characteristic lives in a service
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Radio and operation errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrUnsupported  = errors.New("bluetooth is not supported")
	ErrTimeout      = errors.New("timeout")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is the subset of an advertising packet the client cares about.
type Advertisement interface {
	LocalName() string
	Services() []string
	RSSI() int
	Addr() string
	Connectable() bool
}

// Transport is the platform radio stack. Implementations must be safe for
// concurrent use; every blocking call honours ctx.
type Transport interface {
	// Check reports ErrUnsupported when there is no radio and ErrBluetoothOff
	// when the radio is present but powered off.
	Check() error

	// Scan reports advertisements carrying serviceFilter until ctx is done.
	// Cancelling ctx is the only way to stop a scan; a cancelled scan returns nil.
	Scan(ctx context.Context, serviceFilter string, handler func(Advertisement)) error

	// Connect establishes a link to the peripheral with the given address.
	Connect(ctx context.Context, address string) (Peer, error)
}

// Peer is a live link to one peripheral.
type Peer interface {
	Address() string
	DiscoverServices(ctx context.Context) ([]ServiceInfo, error)

	// WriteCharacteristic writes data with response and returns once the
	// peripheral acknowledged it.
	WriteCharacteristic(ctx context.Context, service, characteristic string, data []byte) error
	ReadRSSI(ctx context.Context) (int, error)

	// Disconnected is closed when the link goes down for any reason.
	Disconnected() <-chan struct{}
	Disconnect() error
	Close() error
}

// Properties is a bit set of GATT characteristic properties
type Properties uint8

const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

var propertyNames = []struct {
	p    Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether all bits of q are set
func (p Properties) Has(q Properties) bool {
	return p&q == q
}

func (p Properties) String() string {
	var parts []string
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseProperties parses a comma separated property list such as "read,write".
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		found := false
		for _, pn := range propertyNames {
			if pn.name == part {
				p |= pn.p
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}

// CharacteristicInfo describes a discovered characteristic
type CharacteristicInfo struct {
	UUID       string
	Properties Properties
}

// ServiceInfo describes a discovered service and its characteristics
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// FindCharacteristic looks up a characteristic in a discovered service set.
// UUIDs are compared in normalized form.
// Returns a NotFoundError if the service or characteristic is missing.
func FindCharacteristic(services []ServiceInfo, service, characteristic string) (CharacteristicInfo, error) {
	svcUUID := NormalizeUUID(service)
	charUUID := NormalizeUUID(characteristic)

	for _, svc := range services {
		if NormalizeUUID(svc.UUID) != svcUUID {
			continue
		}
		for _, c := range svc.Characteristics {
			if NormalizeUUID(c.UUID) == charUUID {
				return c, nil
			}
		}
		return CharacteristicInfo{}, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return CharacteristicInfo{}, &NotFoundError{Resource: "service", UUIDs: []string{service}}
}
