package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/device"
)

// signalSampler polls the link RSSI on a fixed interval. It runs on timer
// goroutines and never touches machine state besides the reading it stores.
type signalSampler struct {
	clock    clock.Clock
	interval time.Duration
	logger   *logrus.Logger
	store    func(int)

	mu    sync.Mutex
	gen   uint64
	timer *clock.Timer
}

func newSignalSampler(clk clock.Clock, interval time.Duration, logger *logrus.Logger, store func(int)) *signalSampler {
	return &signalSampler{clock: clk, interval: interval, logger: logger, store: store}
}

// start begins sampling peer, replacing any previous target.
func (s *signalSampler) start(peer device.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.interval, func() { s.tick(gen, peer) })
}

// stop halts sampling. A read already in flight is discarded.
func (s *signalSampler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *signalSampler) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *signalSampler) tick(gen uint64, peer device.Peer) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	// next tick is armed before reading so a slow read never skews the cadence
	s.timer = s.clock.AfterFunc(s.interval, func() { s.tick(gen, peer) })
	s.mu.Unlock()

	ctx, cancel := s.clock.WithTimeout(context.Background(), s.interval)
	defer cancel()

	rssi, err := peer.ReadRSSI(ctx)
	if err != nil {
		s.logger.WithField("error", err).Debug("RSSI read failed, keeping previous reading")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.store(rssi)
	}
}
