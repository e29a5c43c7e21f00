package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	tokenService = "7d2ea9a0-4c5e-4b8e-9f3a-1a2b3c4d5e6f"
	tokenChar    = "7d2ea9a1-4c5e-4b8e-9f3a-1a2b3c4d5e6f"
)

type TransportTestSuite struct {
	suite.Suite
	logger          *logrus.Logger
	originalFactory func() (ble.Device, error)
	dev             *mockDevice
}

func (s *TransportTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)

	s.dev = &mockDevice{}
	s.originalFactory = DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return s.dev, nil }
}

func (s *TransportTestSuite) TearDownTest() {
	DeviceFactory = s.originalFactory
}

func (s *TransportTestSuite) TestCheck() {
	s.Run("radio available", func() {
		tr := NewTransport(s.logger)
		s.NoError(tr.Check(), "Check MUST succeed when the platform device comes up")
	})

	s.Run("radio powered off", func() {
		// GOAL: Verify the CoreBluetooth powered-off state maps to ErrBluetoothOff
		DeviceFactory = func() (ble.Device, error) {
			return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
		}
		tr := NewTransport(s.logger)
		err := tr.Check()
		s.ErrorIs(err, device.ErrBluetoothOff, "powered off radio MUST be reported as ErrBluetoothOff")
	})

	s.Run("no adapter", func() {
		DeviceFactory = func() (ble.Device, error) {
			return nil, errors.New("can't init hci: no devices available")
		}
		tr := NewTransport(s.logger)
		s.ErrorIs(tr.Check(), device.ErrUnsupported, "missing adapter MUST be reported as ErrUnsupported")
	})
}

func (s *TransportTestSuite) TestScanFiltersByService() {
	// GOAL: Verify only advertisements carrying the requested service reach the handler
	//
	// TEST SCENARIO: two advertisements, one with the token service → handler sees one

	match := &mockAdvertisement{
		name:     "Door",
		addr:     "aa:bb:cc:dd:ee:01",
		rssi:     -50,
		services: []ble.UUID{ble.MustParse(tokenService)},
	}
	other := &mockAdvertisement{
		name:     "Heart",
		addr:     "aa:bb:cc:dd:ee:02",
		rssi:     -60,
		services: []ble.UUID{ble.UUID16(0x180d)},
	}

	s.dev.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		h := args.Get(2).(ble.AdvHandler)
		h(other)
		h(match)
	}).Return(context.Canceled)

	tr := NewTransport(s.logger)
	var seen []device.Advertisement
	err := tr.Scan(context.Background(), tokenService, func(adv device.Advertisement) {
		seen = append(seen, adv)
	})

	s.NoError(err, "cancelled scan MUST return nil")
	s.Require().Len(seen, 1, "only the matching advertisement MUST be reported")
	s.Equal("Door", seen[0].LocalName())
	s.Equal("aa:bb:cc:dd:ee:01", seen[0].Addr())
	s.Equal(-50, seen[0].RSSI())
}

func (s *TransportTestSuite) TestScanErrorIsNormalized() {
	s.dev.On("Scan", mock.Anything, false, mock.Anything).Return(errors.New("bluetooth is turned off"))

	tr := NewTransport(s.logger)
	err := tr.Scan(context.Background(), tokenService, func(device.Advertisement) {})
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *TransportTestSuite) TestConnect() {
	s.Run("dial failure", func() {
		dev := &mockDevice{}
		DeviceFactory = func() (ble.Device, error) { return dev, nil }
		dev.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		tr := NewTransport(s.logger)
		peer, err := tr.Connect(context.Background(), "aa:bb:cc:dd:ee:01")
		s.Nil(peer)
		s.ErrorContains(err, "aa:bb:cc:dd:ee:01")
	})

	s.Run("empty address", func() {
		tr := NewTransport(s.logger)
		_, err := tr.Connect(context.Background(), "  ")
		s.Error(err, "empty address MUST be rejected")
	})

	s.Run("dial success", func() {
		dev := &mockDevice{}
		DeviceFactory = func() (ble.Device, error) { return dev, nil }
		client := newMockClient()
		dev.On("Dial", mock.Anything, ble.NewAddr("aa:bb:cc:dd:ee:01")).Return(client, nil)

		tr := NewTransport(s.logger)
		peer, err := tr.Connect(context.Background(), "aa:bb:cc:dd:ee:01")
		s.Require().NoError(err)
		s.Equal("aa:bb:cc:dd:ee:01", peer.Address())
	})
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

type PeerTestSuite struct {
	suite.Suite
	logger *logrus.Logger
	client *mockClient
	svc    *ble.Service
	char   *ble.Characteristic
	peer   *Peer
}

func (s *PeerTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.client = newMockClient()
	s.svc = &ble.Service{UUID: ble.MustParse(tokenService)}
	s.char = &ble.Characteristic{UUID: ble.MustParse(tokenChar), Property: ble.CharWrite | ble.CharRead}

	s.client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{s.svc}, nil)
	s.client.On("DiscoverCharacteristics", mock.Anything, s.svc).Return([]*ble.Characteristic{s.char}, nil)

	s.peer = newPeer("aa:bb:cc:dd:ee:01", s.client, s.logger)
}

func (s *PeerTestSuite) TestDiscoverServices() {
	services, err := s.peer.DiscoverServices(context.Background())
	s.Require().NoError(err)
	s.Require().Len(services, 1)
	s.Equal(device.NormalizeUUID(tokenService), services[0].UUID)

	c, err := device.FindCharacteristic(services, tokenService, tokenChar)
	s.Require().NoError(err, "discovered characteristic MUST be found")
	s.True(c.Properties.Has(device.PropWrite))
	s.Equal("read,write", c.Properties.String())
}

func (s *PeerTestSuite) TestWriteCharacteristic() {
	s.Run("write with response", func() {
		_, err := s.peer.DiscoverServices(context.Background())
		s.Require().NoError(err)

		s.client.On("WriteCharacteristic", s.char, []byte("open-sesame"), false).Return(nil).Once()
		err = s.peer.WriteCharacteristic(context.Background(), tokenService, tokenChar, []byte("open-sesame"))
		s.NoError(err)
		s.client.AssertCalled(s.T(), "WriteCharacteristic", s.char, []byte("open-sesame"), false)
	})

	s.Run("unknown characteristic", func() {
		err := s.peer.WriteCharacteristic(context.Background(), tokenService, "2a19", []byte{1})
		var nf *device.NotFoundError
		s.ErrorAs(err, &nf, "writing an undiscovered characteristic MUST return NotFoundError")
	})

	s.Run("write timeout", func() {
		// GOAL: Verify a write that never completes is abandoned when ctx expires
		client := newMockClient()
		client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{s.svc}, nil)
		client.On("DiscoverCharacteristics", mock.Anything, s.svc).Return([]*ble.Characteristic{s.char}, nil)
		client.On("WriteCharacteristic", s.char, mock.Anything, false).After(500 * time.Millisecond).Return(nil)

		peer := newPeer("aa:bb:cc:dd:ee:01", client, s.logger)
		_, err := peer.DiscoverServices(context.Background())
		s.Require().NoError(err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = peer.WriteCharacteristic(ctx, tokenService, tokenChar, []byte("x"))
		s.ErrorIs(err, device.ErrTimeout, "stalled write MUST time out")
	})
}

func (s *PeerTestSuite) TestReadRSSI() {
	s.client.On("ReadRSSI").Return(-42)
	rssi, err := s.peer.ReadRSSI(context.Background())
	s.NoError(err)
	s.Equal(-42, rssi)
}

func (s *PeerTestSuite) TestDisconnectIsIdempotent() {
	s.client.On("CancelConnection").Return(nil).Once()

	s.NoError(s.peer.Disconnect())
	s.NoError(s.peer.Disconnect(), "second disconnect MUST be a no-op")
	s.NoError(s.peer.Close())
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)

	err := s.peer.WriteCharacteristic(context.Background(), tokenService, tokenChar, []byte{1})
	s.ErrorIs(err, device.ErrNotConnected, "write after disconnect MUST fail")
}

func TestPeerTestSuite(t *testing.T) {
	suite.Run(t, new(PeerTestSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"powered off", errors.New("bluetooth is turned off"), device.ErrBluetoothOff},
		{"unsupported", errors.New("central manager has invalid state: have=2 want=5"), device.ErrUnsupported},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
		{"not initialized", errors.New("connection is not initialized"), device.ErrNotInitialized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, NormalizeError(tt.in), tt.want)
		})
	}

	require.NoError(t, NormalizeError(nil))
	plain := errors.New("something else")
	require.Equal(t, plain, NormalizeError(plain))
}
