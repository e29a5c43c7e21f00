package testutils

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/session"
)

// Default identity of the scripted peripheral
const (
	DefaultPeripheralAddress = "aa:bb:cc:dd:ee:01"
	DefaultPeripheralName    = "FrontDoor"
	DefaultPeripheralRSSI    = -55
	DefaultLinkRSSI          = -48
)

// CharacteristicConfig represents a characteristic configuration for the fake peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write"
}

// ServiceConfig represents a service configuration for the fake peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the GATT table exposed after connect
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds a FakeTransport that scripts one peripheral:
// its advertisement, its GATT table and how connects, discovery and writes behave.
//
// Basic usage:
//
//	transport := testutils.NewPeripheralBuilder(t).
//	    WithService(session.DefaultServiceUUID).
//	    WithCharacteristic(session.DefaultCharacteristicUUID, "write").
//	    Build()
type PeripheralBuilder struct {
	t       *testing.T
	profile DeviceProfileConfig

	adv        FakeAdvertisement
	advertised bool
	silent     bool
	extra      []FakeAdvertisement

	checkErr      error
	scanErr       error
	discoverErr   error
	holdDiscovery bool
	writeErr      error
	holdWrites    bool
	linkRSSI      int
	connectErrs   []error
	failAfter     int
}

// NewPeripheralBuilder creates a builder with an empty GATT table
func NewPeripheralBuilder(t *testing.T) *PeripheralBuilder {
	return &PeripheralBuilder{
		t: t,
		adv: FakeAdvertisement{
			Address: DefaultPeripheralAddress,
			Name:    DefaultPeripheralName,
			Rssi:    DefaultPeripheralRSSI,
		},
		linkRSSI:  DefaultLinkRSSI,
		failAfter: -1,
	}
}

// NewTokenPeripheralBuilder creates a builder exposing the default token
// service and a writable token characteristic.
func NewTokenPeripheralBuilder(t *testing.T) *PeripheralBuilder {
	return NewPeripheralBuilder(t).
		WithService(session.DefaultServiceUUID).
		WithCharacteristic(session.DefaultCharacteristicUUID, "write")
}

func (b *PeripheralBuilder) WithAddress(address string) *PeripheralBuilder {
	b.adv.Address = address
	return b
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.adv.Name = name
	return b
}

// WithRSSI sets the advertised signal strength
func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithLinkRSSI sets the signal strength reported once connected
func (b *PeripheralBuilder) WithLinkRSSI(rssi int) *PeripheralBuilder {
	b.linkRSSI = rssi
	return b
}

// WithAdvertisedServices overrides the advertised service list. By default
// the peripheral advertises the token service.
func (b *PeripheralBuilder) WithAdvertisedServices(uuids ...string) *PeripheralBuilder {
	b.adv.ServiceUUIDs = uuids
	b.advertised = true
	return b
}

// WithExtraAdvertisement adds another peripheral advertising the token service
func (b *PeripheralBuilder) WithExtraAdvertisement(address, name string, rssi int) *PeripheralBuilder {
	b.extra = append(b.extra, FakeAdvertisement{
		Address:      address,
		Name:         name,
		Rssi:         rssi,
		ServiceUUIDs: []string{session.DefaultServiceUUID},
	})
	return b
}

// Silent makes scans run without any advertisement
func (b *PeripheralBuilder) Silent() *PeripheralBuilder {
	b.silent = true
	return b
}

// WithService adds a service to the GATT table
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		b.t.Fatalf("WithCharacteristic(%s) called before WithService", uuid)
	}
	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON replaces the GATT table with a JSON profile
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	var profile DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &profile); err != nil {
		b.t.Fatalf("invalid peripheral profile JSON: %v", err)
	}
	b.profile = profile
	return b
}

func (b *PeripheralBuilder) WithCheckError(err error) *PeripheralBuilder {
	b.checkErr = err
	return b
}

func (b *PeripheralBuilder) WithScanError(err error) *PeripheralBuilder {
	b.scanErr = err
	return b
}

// WithConnectErrors scripts the outcome of consecutive connects; a nil entry succeeds
func (b *PeripheralBuilder) WithConnectErrors(errs ...error) *PeripheralBuilder {
	b.connectErrs = errs
	return b
}

// FailConnectsAfter makes every connect after the first n fail with ErrConnectRefused
func (b *PeripheralBuilder) FailConnectsAfter(n int) *PeripheralBuilder {
	b.failAfter = n
	return b
}

func (b *PeripheralBuilder) WithDiscoveryError(err error) *PeripheralBuilder {
	b.discoverErr = err
	return b
}

// HoldDiscovery makes discovery block until the link drops or its context ends
func (b *PeripheralBuilder) HoldDiscovery() *PeripheralBuilder {
	b.holdDiscovery = true
	return b
}

func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.writeErr = err
	return b
}

// HoldWrites makes writes block until the link drops or their context ends
func (b *PeripheralBuilder) HoldWrites() *PeripheralBuilder {
	b.holdWrites = true
	return b
}

// GetServices returns the configured GATT table
func (b *PeripheralBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}

// Build creates the fake transport
func (b *PeripheralBuilder) Build() *FakeTransport {
	adv := b.adv
	if !b.advertised {
		adv.ServiceUUIDs = []string{session.DefaultServiceUUID}
	}

	var advs []FakeAdvertisement
	if !b.silent {
		advs = append(advs, adv)
		advs = append(advs, b.extra...)
	}

	services := make([]device.ServiceInfo, 0, len(b.profile.Services))
	for _, svc := range b.profile.Services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID)}
		for _, c := range svc.Characteristics {
			props, err := device.ParseProperties(c.Properties)
			if err != nil {
				b.t.Fatalf("characteristic %s: %v", c.UUID, err)
			}
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       device.NormalizeUUID(c.UUID),
				Properties: props,
			})
		}
		services = append(services, info)
	}

	return &FakeTransport{
		checkErr:       b.checkErr,
		scanErr:        b.scanErr,
		advertisements: advs,
		services:       services,
		discoverErr:    b.discoverErr,
		holdDiscovery:  b.holdDiscovery,
		writeErr:       b.writeErr,
		holdWrites:     b.holdWrites,
		linkRSSI:       b.linkRSSI,
		connectErrs:    b.connectErrs,
		failAfter:      b.failAfter,
	}
}
