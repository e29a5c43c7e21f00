package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/device"
)

// Transport implements device.Transport on top of a go-ble device.
// The platform device is created lazily on first use and shared by
// subsequent scans and connections.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a go-ble backed transport
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	t.dev = dev
	return dev, nil
}

// Check brings up the platform device and reports whether the radio is usable.
func (t *Transport) Check() error {
	_, err := t.device()
	return err
}

// Scan reports advertisements carrying serviceFilter until ctx is done.
func (t *Transport) Scan(ctx context.Context, serviceFilter string, handler func(device.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}

	t.logger.WithField("service", serviceFilter).Debug("Starting BLE scan...")

	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		if serviceFilter != "" && !advertises(adv, serviceFilter) {
			return
		}
		handler(NewBLEAdvertisement(adv))
	})

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.logger.Debug("BLE scan stopped")
		return nil
	}
	return NormalizeError(err)
}

// Connect dials the peripheral and returns a live peer.
func (t *Transport) Connect(ctx context.Context, address string) (device.Peer, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	t.logger.WithField("address", address).Info("BLE device connected")
	return newPeer(address, client, t.logger), nil
}

// Close stops the platform device, if one was created.
func (t *Transport) Close() error {
	t.mu.Lock()
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}
