package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the peripheral was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Sighting is what a scan learned about one advertising peripheral
type Sighting struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	RSSI        int       `json:"rssi"`
	Services    []string  `json:"services,omitempty"`
	Connectable bool      `json:"connectable"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Count       int       `json:"count"`
}

// DisplayName returns the advertised name, or the address when there is none
func (s Sighting) DisplayName() string {
	if s.Name == "" {
		return s.Address
	}
	return s.Name
}

type Event struct {
	Type     EventType
	Sighting Sighting
}

// Scanner handles peripheral discovery for the scan command
type Scanner struct {
	transport device.Transport
	clock     clock.Clock
	sightings *hashmap.Map[string, *Sighting]
	events    *ringchan.RingChannel[Event]
	logger    *logrus.Logger

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration    time.Duration
	ServiceUUID string // empty reports every advertisement
	AllowList   []string
	BlockList   []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// NewScanner creates a new scanner. A nil clock uses wall time.
func NewScanner(transport device.Transport, clk clock.Clock, logger *logrus.Logger) (*Scanner, error) {
	if transport == nil {
		return nil, fmt.Errorf("scanner requires a transport")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Scanner{
		transport: transport,
		clock:     clk,
		events:    ringchan.New[Event](100),
		logger:    logger,
	}, nil
}

// Scan performs discovery for opts.Duration or until ctx is done and returns
// the sightings ordered by signal strength, strongest first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]Sighting, error) {
	s.sightings = hashmap.New[string, *Sighting]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	if err := s.transport.Check(); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"service":  opts.ServiceUUID,
	}).Info("Starting BLE scan...")

	progressCallback("Scanning")

	scanCtx, cancel := s.clock.WithTimeout(ctx, opts.Duration)
	defer cancel()

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err := s.transport.Scan(scanCtx, opts.ServiceUUID, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.sightings.Len()).Info("BLE scan completed")

	progressCallback("Processing results")

	return s.makeSightingList(), nil
}

// handleAdvertisement updates an existing sighting or adds a new one
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	address := strings.ToLower(adv.Addr())
	now := s.clock.Now()

	sighting, existing := s.sightings.Get(address)
	if !existing {
		if !s.shouldInclude(address, s.scanOptions) {
			return
		}
		sighting, existing = s.sightings.GetOrInsert(address, &Sighting{
			Address:   address,
			FirstSeen: now,
		})
	}

	if name := adv.LocalName(); name != "" {
		sighting.Name = name
	}
	if services := adv.Services(); len(services) > 0 {
		sighting.Services = device.NormalizeUUIDs(services)
	}
	sighting.RSSI = adv.RSSI()
	sighting.Connectable = adv.Connectable()
	sighting.LastSeen = now
	sighting.Count++

	event := Event{Sighting: *sighting}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  sighting.DisplayName(),
			"address": sighting.Address,
			"rssi":    sighting.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.Send(event)
}

// shouldInclude applies the allow and block lists
func (s *Scanner) shouldInclude(address string, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(address, blocked) {
			return false
		}
	}

	if len(opts.AllowList) == 0 {
		return true
	}
	for _, a := range opts.AllowList {
		if strings.EqualFold(address, a) {
			return true
		}
	}
	return false
}

func (s *Scanner) makeSightingList() []Sighting {
	list := make([]Sighting, 0, s.sightings.Len())
	s.sightings.Range(func(_ string, value *Sighting) bool {
		list = append(list, *value)
		return true
	})

	sort.Slice(list, func(i, j int) bool {
		if list[i].RSSI != list[j].RSSI {
			return list[i].RSSI > list[j].RSSI
		}
		return list[i].Address < list[j].Address
	})
	return list
}

// Events return a read-only channel of discovery events. When the consumer
// falls behind the oldest events are dropped.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
