package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/scanner"
	"github.com/srg/keytap/internal/session"
	"github.com/srg/keytap/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	clock     *clock.Mock
	opts      *scanner.ScanOptions
	transport *testutils.FakeTransport
}

func (s *ScannerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.clock = clock.NewMock()
	s.opts = &scanner.ScanOptions{Duration: 50 * time.Millisecond}
}

func (s *ScannerTestSuite) newScanner(builder *testutils.PeripheralBuilder) *scanner.Scanner {
	s.transport = builder.Build()
	sc, err := scanner.NewScanner(s.transport, s.clock, s.helper.Logger)
	s.Require().NoError(err)
	return sc
}

// scan runs a full scan window, advancing the mock clock once every scripted
// advertisement has been delivered.
func (s *ScannerTestSuite) scan(sc *scanner.Scanner, opts *scanner.ScanOptions, progress scanner.ProgressCallback) ([]scanner.Sighting, error) {
	type result struct {
		sightings []scanner.Sighting
		err       error
	}
	done := make(chan result, 1)
	go func() {
		sightings, err := sc.Scan(context.Background(), opts, progress)
		done <- result{sightings, err}
	}()

	s.Require().Eventually(func() bool { return s.transport.ParkedScans() == 1 },
		2*time.Second, time.Millisecond, "scan MUST deliver every advertisement")
	s.clock.Add(opts.Duration)

	select {
	case r := <-done:
		return r.sightings, r.err
	case <-time.After(2 * time.Second):
		s.FailNow("scan MUST end when its window elapses on the clock")
		return nil, nil
	}
}

func (s *ScannerTestSuite) TestNewScanner() {
	s.Run("requires a transport", func() {
		sc, err := scanner.NewScanner(nil, nil, nil)
		s.Error(err)
		s.Nil(sc)
	})

	s.Run("defaults logger and clock", func() {
		sc, err := scanner.NewScanner(testutils.NewTokenPeripheralBuilder(s.T()).Build(), nil, nil)
		s.NoError(err)
		s.NotNil(sc)
	})
}

func (s *ScannerTestSuite) TestScanReportsEveryPeripheral() {
	// GOAL: Verify an unfiltered scan reports every advertiser ordered by signal strength
	//
	// TEST SCENARIO: Two peripherals advertise → both are returned, strongest first

	sc := s.newScanner(testutils.NewTokenPeripheralBuilder(s.T()).
		WithExtraAdvertisement("aa:bb:cc:dd:ee:02", "BackDoor", -40))

	var phases []string
	start := s.clock.Now()
	sightings, err := s.scan(sc, s.opts, func(phase string) {
		phases = append(phases, phase)
	})
	s.Require().NoError(err)

	s.Require().Len(sightings, 2)
	s.Equal("BackDoor", sightings[0].Name, "strongest peripheral MUST be listed first")
	s.Equal(-40, sightings[0].RSSI)
	s.Equal(testutils.DefaultPeripheralAddress, sightings[1].Address)
	s.Equal([]string{device.NormalizeUUID(session.DefaultServiceUUID)}, sightings[1].Services, "services MUST be normalized")
	s.True(sightings[1].Connectable)
	s.Equal(start, sightings[1].FirstSeen)
	s.Equal([]string{"Scanning", "Processing results"}, phases)
}

func (s *ScannerTestSuite) TestServiceFilter() {
	sc := s.newScanner(testutils.NewTokenPeripheralBuilder(s.T()).
		WithAdvertisedServices("180f").
		WithExtraAdvertisement("aa:bb:cc:dd:ee:02", "BackDoor", -40))

	opts := *s.opts
	opts.ServiceUUID = session.DefaultServiceUUID
	sightings, err := s.scan(sc, &opts, nil)
	s.Require().NoError(err)

	s.Require().Len(sightings, 1, "only peripherals advertising the service MUST be reported")
	s.Equal("aa:bb:cc:dd:ee:02", sightings[0].Address)
}

func (s *ScannerTestSuite) TestAllowAndBlockLists() {
	builder := func() *testutils.PeripheralBuilder {
		return testutils.NewTokenPeripheralBuilder(s.T()).
			WithExtraAdvertisement("aa:bb:cc:dd:ee:02", "BackDoor", -40).
			WithExtraAdvertisement("aa:bb:cc:dd:ee:03", "Garage", -70)
	}

	s.Run("allow list", func() {
		opts := *s.opts
		opts.AllowList = []string{"AA:BB:CC:DD:EE:03"}
		sightings, err := s.scan(s.newScanner(builder()), &opts, nil)
		s.Require().NoError(err)
		s.Require().Len(sightings, 1)
		s.Equal("Garage", sightings[0].Name, "allow list MUST be matched case-insensitively")
	})

	s.Run("block list", func() {
		opts := *s.opts
		opts.BlockList = []string{"aa:bb:cc:dd:ee:02"}
		sightings, err := s.scan(s.newScanner(builder()), &opts, nil)
		s.Require().NoError(err)
		s.Len(sightings, 2)
		for _, sg := range sightings {
			s.NotEqual("BackDoor", sg.Name, "blocked peripheral MUST NOT be reported")
		}
	})
}

func (s *ScannerTestSuite) TestRepeatedAdvertisementUpdatesSighting() {
	// GOAL: Verify repeated advertisements update one sighting instead of adding another
	//
	// TEST SCENARIO: Same address advertises twice, the second without a name → one sighting, name kept, RSSI updated

	sc := s.newScanner(testutils.NewTokenPeripheralBuilder(s.T()).
		WithExtraAdvertisement(testutils.DefaultPeripheralAddress, "", -61))

	sightings, err := s.scan(sc, s.opts, nil)
	s.Require().NoError(err)

	s.Require().Len(sightings, 1)
	s.Equal(testutils.DefaultPeripheralName, sightings[0].Name, "an empty name MUST NOT overwrite a known one")
	s.Equal(-61, sightings[0].RSSI)
	s.Equal(2, sightings[0].Count)

	first := <-sc.Events()
	second := <-sc.Events()
	s.Equal(scanner.EventNew, first.Type)
	s.Equal(scanner.EventUpdated, second.Type)
}

func (s *ScannerTestSuite) TestRadioUnavailable() {
	sc := s.newScanner(testutils.NewTokenPeripheralBuilder(s.T()).WithCheckError(device.ErrBluetoothOff))

	_, err := sc.Scan(context.Background(), s.opts, nil)
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *ScannerTestSuite) TestScanError() {
	sc := s.newScanner(testutils.NewTokenPeripheralBuilder(s.T()).WithScanError(device.ErrUnsupported))

	_, err := sc.Scan(context.Background(), s.opts, nil)
	s.ErrorIs(err, device.ErrUnsupported)
	s.Contains(err.Error(), "scan failed")
}

func (s *ScannerTestSuite) TestCancelledContextEndsScan() {
	sc := s.newScanner(testutils.NewTokenPeripheralBuilder(s.T()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := *s.opts
	opts.Duration = time.Hour
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sc.Scan(ctx, &opts, nil)
		s.NoError(err, "a cancelled scan MUST NOT be an error")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fail("scan MUST return once its context is cancelled")
	}
}

func (s *ScannerTestSuite) TestWindowFollowsClock() {
	// GOAL: Verify the scan window is measured on the injected clock
	//
	// TEST SCENARIO: Wall time passes beyond the window without the clock moving → scan keeps running until the clock advances

	sc := s.newScanner(testutils.NewTokenPeripheralBuilder(s.T()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sc.Scan(context.Background(), s.opts, nil)
		s.NoError(err)
	}()

	s.Require().Eventually(func() bool { return s.transport.ParkedScans() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(2 * s.opts.Duration)
	s.Equal(1, s.transport.ActiveScans(), "scan MUST NOT end on wall time")

	s.clock.Add(s.opts.Duration)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fail("scan MUST end once the clock passes the window")
	}
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
