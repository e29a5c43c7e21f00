package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/groutine"
)

// gattClient is the part of ble.Client a peer relies on
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadRSSI() int
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Peer is a live go-ble link implementing device.Peer
type Peer struct {
	address string
	client  gattClient
	logger  *logrus.Logger

	mu     sync.Mutex
	chars  map[string]*ble.Characteristic // keyed by normalized service + "/" + characteristic
	closed bool
}

func newPeer(address string, client gattClient, logger *logrus.Logger) *Peer {
	return &Peer{
		address: address,
		client:  client,
		logger:  logger,
		chars:   make(map[string]*ble.Characteristic),
	}
}

func charKey(service, characteristic string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(characteristic)
}

func (p *Peer) Address() string { return p.address }

// DiscoverServices walks the remote GATT table and caches characteristic
// handles for later writes.
func (p *Peer) DiscoverServices(ctx context.Context) ([]device.ServiceInfo, error) {
	return callWithContext(ctx, "ble-discover", func() ([]device.ServiceInfo, error) {
		services, err := p.client.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
		}

		result := make([]device.ServiceInfo, 0, len(services))
		chars := make(map[string]*ble.Characteristic)
		for _, svc := range services {
			bleChars, err := p.client.DiscoverCharacteristics(nil, svc)
			if err != nil {
				return nil, fmt.Errorf("failed to discover characteristics of %s: %w", svc.UUID, NormalizeError(err))
			}

			info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID.String())}
			for _, c := range bleChars {
				info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
					UUID:       device.NormalizeUUID(c.UUID.String()),
					Properties: convertProperties(c.Property),
				})
				chars[charKey(svc.UUID.String(), c.UUID.String())] = c
			}

			p.logger.WithFields(logrus.Fields{
				"service_uuid":    info.UUID,
				"characteristics": len(info.Characteristics),
			}).Debug("Found service")
			result = append(result, info)
		}

		p.mu.Lock()
		p.chars = chars
		p.mu.Unlock()
		return result, nil
	})
}

// WriteCharacteristic writes with response; the call returns once the
// peripheral acknowledged the write or ctx expires.
func (p *Peer) WriteCharacteristic(ctx context.Context, service, characteristic string, data []byte) error {
	p.mu.Lock()
	c, ok := p.chars[charKey(service, characteristic)]
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return device.ErrNotConnected
	}
	if !ok {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}

	_, err := callWithContext(ctx, "ble-write", func() (struct{}, error) {
		return struct{}{}, NormalizeError(p.client.WriteCharacteristic(c, data, false))
	})
	return err
}

// ReadRSSI samples the received signal strength of the link.
func (p *Peer) ReadRSSI(ctx context.Context) (int, error) {
	return callWithContext(ctx, "ble-rssi", func() (int, error) {
		return p.client.ReadRSSI(), nil
	})
}

func (p *Peer) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

// Disconnect cancels the link. Calling it more than once is a no-op.
func (p *Peer) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.WithField("address", p.address).Info("Disconnecting BLE device...")
	if err := p.client.CancelConnection(); err != nil {
		p.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	return nil
}

// Close disconnects if needed and drops cached handles.
func (p *Peer) Close() error {
	err := p.Disconnect()

	p.mu.Lock()
	p.chars = make(map[string]*ble.Characteristic)
	p.mu.Unlock()

	if errors.Is(err, device.ErrNotConnected) {
		return nil
	}
	return err
}

// callWithContext runs a blocking go-ble call in its own goroutine so that
// the caller can give up when ctx is done. go-ble calls are not cancellable.
func callWithContext[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)

	groutine.Go(ctx, name, func(context.Context) {
		v, err := fn()
		done <- result{v: v, err: err}
	})

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %s", device.ErrTimeout, name)
		}
		return zero, ctx.Err()
	}
}

func convertProperties(p ble.Property) device.Properties {
	var props device.Properties
	if p&ble.CharBroadcast != 0 {
		props |= device.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		props |= device.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	return props
}
