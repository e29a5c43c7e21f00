package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// mockDevice satisfies ble.Device; only the methods a transport uses are mocked.
type mockDevice struct {
	ble.Device
	mock.Mock
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

func (m *mockDevice) Stop() error {
	return m.Called().Error(0)
}

// mockClient satisfies ble.Client; only the methods a peer uses are mocked.
type mockClient struct {
	ble.Client
	mock.Mock
	disconnected chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	svcs, _ := args.Get(0).([]*ble.Service)
	return svcs, args.Error(1)
}

func (m *mockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) ReadRSSI() int {
	return m.Called().Int(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// mockAdvertisement satisfies ble.Advertisement with fixed values.
type mockAdvertisement struct {
	ble.Advertisement
	name     string
	addr     string
	rssi     int
	services []ble.UUID
}

func (a *mockAdvertisement) LocalName() string           { return a.name }
func (a *mockAdvertisement) Addr() ble.Addr              { return ble.NewAddr(a.addr) }
func (a *mockAdvertisement) RSSI() int                   { return a.rssi }
func (a *mockAdvertisement) Connectable() bool           { return true }
func (a *mockAdvertisement) Services() []ble.UUID        { return a.services }
func (a *mockAdvertisement) OverflowService() []ble.UUID { return nil }
