package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/keytap/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) Connectable() bool { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string      { return a.adv.Addr().String() }

func (a *BLEAdvertisement) Services() []string {
	bleServices := a.adv.Services()
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = svc.String()
	}
	return result
}

// advertises reports whether the advertisement lists the given service,
// including services that overflowed the primary list.
func advertises(adv ble.Advertisement, service string) bool {
	for _, u := range adv.Services() {
		if device.SameUUID(u.String(), service) {
			return true
		}
	}
	for _, u := range adv.OverflowService() {
		if device.SameUUID(u.String(), service) {
			return true
		}
	}
	return false
}
