package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/groutine"
	"github.com/srg/keytap/internal/ringchan"
)

const (
	// scanStopGrace bounds how long the loop waits for a cancelled scan to return.
	scanStopGrace = 2 * time.Second

	// workerShutdownGrace bounds how long Close waits for transport workers.
	workerShutdownGrace = 5 * time.Second
)

// Peripheral describes the peripheral selected for the current attempt.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int // advertised signal strength when it was found
}

// DisplayName returns the advertised name, or the address when the peripheral has none.
func (p Peripheral) DisplayName() string {
	if p.Name == "" {
		return p.Address
	}
	return p.Name
}

// handle is the peripheral owned by the current attempt. It survives
// automatic reconnects and is dropped on teardown, reset and give-up.
type handle struct {
	Peripheral
	peer          device.Peer
	everConnected bool
}

// Machine drives one open attempt at a time: scan, connect, discover,
// write the token, then disconnect. All transitions are applied by a single
// loop goroutine; transport calls run on workers that post their results
// back to the loop tagged with the epoch they belong to.
type Machine struct {
	transport device.Transport
	opts      Options
	policy    ReconnectPolicy
	logger    *logrus.Logger
	clock     clock.Clock

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	workers   groutine.Group
	closeOnce sync.Once

	log     *EventLog
	sampler *signalSampler

	signal        atomic.Int64
	sigMu         sync.Mutex
	sigSubs       map[int]*ringchan.RingChannel[int]
	nextSigSub    int
	autoReconnect atomic.Bool // cleared around the post-success disconnect
	userReconnect atomic.Bool // caller override
	reconnects    atomic.Int64

	mu         sync.RWMutex
	state      State
	peripheral *Peripheral
	subs       map[int]*ringchan.RingChannel[State]
	nextSub    int

	// loop-owned
	epoch          uint64
	token          string
	handle         *handle
	matched        bool
	attempt        int
	teardown       bool
	scanCancel     context.CancelFunc
	scanDone       chan struct{}
	scanTimer      *clock.Timer
	reconnectTimer *clock.Timer
	settleTimer    *clock.Timer
	connectCancel  context.CancelFunc
	linkCancel     context.CancelFunc
	writeCancel    context.CancelFunc
}

// NewMachine validates opts and starts the machine loop in Idle.
func NewMachine(transport device.Transport, opts Options, logger *logrus.Logger) (*Machine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := &Machine{
		transport: transport,
		opts:      opts,
		policy:    opts.policy(),
		logger:    logger,
		clock:     clk,
		events:    make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       NewEventLog(clk, logger),
		state:     State{Phase: Idle},
		subs:      make(map[int]*ringchan.RingChannel[State]),
		sigSubs:   make(map[int]*ringchan.RingChannel[int]),
	}
	m.sampler = newSignalSampler(clk, opts.SignalInterval, logger, m.setSignal)
	m.signal.Store(SignalUnknown)
	m.autoReconnect.Store(true)
	m.userReconnect.Store(true)

	groutine.Go(context.Background(), "keytap-session-loop", m.run)
	return m, nil
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	m.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Session loop started")

	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.quit:
			return
		}
	}
}

// post hands fn to the loop. It gives up when ctx is done or the machine
// is closed and reports whether fn was delivered.
func (m *Machine) post(ctx context.Context, fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-m.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (m *Machine) call(fn func()) error {
	done := make(chan struct{})
	if !m.post(context.Background(), func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

// after schedules fn on the loop once d has elapsed. fn is skipped when the
// attempt that scheduled it is gone.
func (m *Machine) after(d time.Duration, fn func()) *clock.Timer {
	epoch := m.epoch
	return m.clock.AfterFunc(d, func() {
		m.post(context.Background(), func() {
			if epoch == m.epoch {
				fn()
			}
		})
	})
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SubscribeStates streams every transition, starting with the current state.
// The returned func detaches the subscriber.
func (m *Machine) SubscribeStates(buffer int) (<-chan State, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	rc := ringchan.New[State](buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = rc
	rc.Send(m.state)
	m.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			rc.Close()
		})
	}
}

// Log returns the protocol event log.
func (m *Machine) Log() *EventLog {
	return m.log
}

// Signal returns the last RSSI reading in dBm, or SignalUnknown.
func (m *Machine) Signal() int {
	return int(m.signal.Load())
}

// SubscribeSignal streams signal changes, starting with the current reading.
// SignalUnknown is sent when the reading is cleared. The returned func
// detaches the subscriber.
func (m *Machine) SubscribeSignal(buffer int) (<-chan int, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	rc := ringchan.New[int](buffer)

	m.sigMu.Lock()
	id := m.nextSigSub
	m.nextSigSub++
	m.sigSubs[id] = rc
	rc.Send(m.Signal())
	m.sigMu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			m.sigMu.Lock()
			delete(m.sigSubs, id)
			m.sigMu.Unlock()
			rc.Close()
		})
	}
}

func (m *Machine) setSignal(rssi int) {
	m.sigMu.Lock()
	defer m.sigMu.Unlock()
	if m.signal.Swap(int64(rssi)) == int64(rssi) {
		return
	}
	for _, sub := range m.sigSubs {
		sub.Send(rssi)
	}
}

// Peripheral returns the peripheral selected by the current attempt.
func (m *Machine) Peripheral() (Peripheral, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.peripheral == nil {
		return Peripheral{}, false
	}
	return *m.peripheral, true
}

// Reconnects returns the number of automatic reconnects scheduled during the
// current attempt.
func (m *Machine) Reconnects() int {
	return int(m.reconnects.Load())
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Machine) SetAutoReconnect(enabled bool) {
	m.userReconnect.Store(enabled)
}

// AutoReconnectEnabled reports whether an unexpected disconnect would be
// retried right now.
func (m *Machine) AutoReconnectEnabled() bool {
	return m.autoReconnect.Load() && m.userReconnect.Load()
}

// BeginOpenSequence starts a new attempt to deliver token. It returns
// immediately; progress is reported through states and the event log.
// It returns ErrBusy while an attempt is in progress and a *Failure when the
// radio is unusable.
func (m *Machine) BeginOpenSequence(token string) error {
	var busy bool
	if err := m.call(func() { busy = m.state.Busy() }); err != nil {
		return err
	}
	if busy {
		return ErrBusy
	}

	if err := m.transport.Check(); err != nil {
		f := newFailure(ClassifyError(err, Unsupported), err)
		result := error(f)
		if callErr := m.call(func() {
			if m.state.Busy() {
				result = ErrBusy
				return
			}
			m.abort()
			m.logf("Bluetooth is %s: %v", f.Message, err)
			m.transition(State{Phase: Error, Failure: f})
		}); callErr != nil {
			return callErr
		}
		return result
	}

	var result error
	if err := m.call(func() { result = m.begin(token) }); err != nil {
		return err
	}
	return result
}

// ResetState cancels the current attempt and returns to Idle. When it
// returns the scan is stopped, the link is closed, pending timers are
// cancelled and the event log is empty.
func (m *Machine) ResetState() {
	_ = m.call(func() {
		m.abort()
		m.log.Clear()
		m.setSignal(SignalUnknown)
		if m.state.Phase != Idle {
			m.transition(State{Phase: Idle})
		}
	})
}

// Close releases the current attempt and stops the loop.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		_ = m.call(m.abort)
		close(m.quit)
		<-m.done

		if !m.workers.WaitTimeout(workerShutdownGrace) {
			m.logger.Warn("Transport workers still running after shutdown")
		}

		m.mu.Lock()
		for id, sub := range m.subs {
			sub.Close()
			delete(m.subs, id)
		}
		m.mu.Unlock()

		m.sigMu.Lock()
		for id, sub := range m.sigSubs {
			sub.Close()
			delete(m.sigSubs, id)
		}
		m.sigMu.Unlock()
		m.log.closeSubscribers()
	})
}

func (m *Machine) begin(token string) error {
	if m.state.Busy() {
		return ErrBusy
	}

	m.abort()
	m.token = token
	m.reconnects.Store(0)
	m.startScan()
	return nil
}

// abort tears down everything the current attempt owns and invalidates its
// pending timers and worker results.
func (m *Machine) abort() {
	m.epoch++

	stopTimer(&m.scanTimer)
	stopTimer(&m.reconnectTimer)
	stopTimer(&m.settleTimer)
	m.stopScan()
	m.releaseLink()

	m.setHandle(nil)
	m.matched = false
	m.attempt = 0
	m.teardown = false
	m.autoReconnect.Store(true)
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) transition(s State) {
	if s.Phase != Connected && s.Phase != Opening {
		m.sampler.stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.state = s
	for _, sub := range m.subs {
		sub.Send(s)
	}

	m.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   s.String(),
	}).Debug("Session state changed")
}

func (m *Machine) logf(format string, args ...any) {
	m.log.append(logrus.Fields{"phase": m.state.Phase.String()}, fmt.Sprintf(format, args...))
}

func (m *Machine) fail(kind ErrorKind, err error) {
	f := newFailure(kind, err)
	m.logf("Error: %s", f.Error())
	m.transition(State{Phase: Error, Failure: f})
}

func (m *Machine) setHandle(h *handle) {
	m.handle = h

	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		m.peripheral = nil
		return
	}
	p := h.Peripheral
	m.peripheral = &p
}

func (m *Machine) startScan() {
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.scanCancel, m.scanDone = cancel, done

	m.scanTimer = m.after(m.opts.ScanTimeout, m.onScanTimeout)
	m.logf("Scanning for service %s", m.opts.ServiceUUID)
	m.transition(State{Phase: Scanning})

	m.workers.Go(ctx, "keytap-scan", func(ctx context.Context) {
		defer close(done)
		err := m.transport.Scan(ctx, m.opts.ServiceUUID, func(adv device.Advertisement) {
			m.post(ctx, func() { m.onAdvertisement(epoch, adv) })
		})
		if err != nil {
			m.post(ctx, func() { m.onScanFailed(epoch, err) })
		}
	})
}

func (m *Machine) stopScan() {
	if m.scanCancel == nil {
		return
	}
	m.scanCancel()
	select {
	case <-m.scanDone:
	case <-time.After(scanStopGrace):
		m.logger.Warn("Scan did not stop within grace period")
	}
	m.scanCancel, m.scanDone = nil, nil
}

func (m *Machine) onScanTimeout() {
	if m.state.Phase != Scanning {
		return
	}
	m.scanTimer = nil
	m.stopScan()
	m.logf("No peripheral advertising %s found within %s", device.ShortenUUID(device.NormalizeUUID(m.opts.ServiceUUID)), m.opts.ScanTimeout)
	m.fail(NotFound, nil)
}

func (m *Machine) onScanFailed(epoch uint64, err error) {
	if epoch != m.epoch || m.state.Phase != Scanning {
		return
	}
	stopTimer(&m.scanTimer)
	m.stopScan()
	m.logf("Scan failed: %v", err)
	m.fail(ClassifyError(err, NotFound), err)
}

func (m *Machine) onAdvertisement(epoch uint64, adv device.Advertisement) {
	if epoch != m.epoch || m.state.Phase != Scanning || m.matched {
		return
	}
	if m.opts.AddressFilter != "" && !strings.EqualFold(adv.Addr(), m.opts.AddressFilter) {
		m.logger.WithField("address", adv.Addr()).Debug("Ignoring peripheral outside address filter")
		return
	}

	m.matched = true
	stopTimer(&m.scanTimer)
	m.stopScan()

	m.setHandle(&handle{Peripheral: Peripheral{
		Address: adv.Addr(),
		Name:    adv.LocalName(),
		RSSI:    adv.RSSI(),
	}})
	m.setSignal(adv.RSSI())

	m.logf("Found %s (%s) at %d dBm", m.handle.DisplayName(), m.handle.Address, adv.RSSI())
	m.logf("Connecting to %s", m.handle.DisplayName())
	m.transition(State{Phase: Connecting})
	m.dial()
}

// dial issues a connect request to the retained handle.
func (m *Machine) dial() {
	epoch := m.epoch
	address := m.handle.Address
	ctx, cancel := m.clock.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.connectCancel = cancel

	m.workers.Go(ctx, "keytap-connect", func(ctx context.Context) {
		peer, err := m.transport.Connect(ctx, address)
		if err == nil && ctx.Err() != nil {
			// cancelled while the link came up; nobody is waiting for it
			_ = peer.Close()
			return
		}
		if !m.post(context.Background(), func() { m.onConnectResult(epoch, peer, err) }) && peer != nil {
			_ = peer.Close()
		}
	})
}

func (m *Machine) onConnectResult(epoch uint64, peer device.Peer, err error) {
	if epoch != m.epoch || m.state.Phase != Connecting || m.handle == nil || m.handle.peer != nil {
		if peer != nil {
			_ = peer.Close()
		}
		return
	}
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}

	if err != nil {
		m.logf("Connection to %s failed: %v", m.handle.DisplayName(), err)
		m.onLinkFailure(err)
		return
	}
	m.onTransportConnected(peer)
}

func (m *Machine) onTransportConnected(peer device.Peer) {
	epoch := m.epoch
	m.attempt = 0
	m.handle.peer = peer
	m.handle.everConnected = true

	linkCtx, linkCancel := context.WithCancel(context.Background())
	m.linkCancel = linkCancel
	m.workers.Go(linkCtx, "keytap-link-watch", func(ctx context.Context) {
		select {
		case <-peer.Disconnected():
			m.post(ctx, func() { m.onTransportDisconnected(epoch, peer) })
		case <-ctx.Done():
		}
	})

	m.logf("Link established with %s, discovering services", m.handle.DisplayName())

	ctx, cancel := m.clock.WithTimeout(linkCtx, m.opts.ConnectTimeout)
	m.workers.Go(ctx, "keytap-discover", func(ctx context.Context) {
		defer cancel()
		services, err := peer.DiscoverServices(ctx)
		m.post(linkCtx, func() { m.onServicesDiscovered(epoch, peer, services, err) })
	})
}

// onServicesDiscovered is the discovery gate: Connected is only entered when
// both the service and the characteristic are present.
func (m *Machine) onServicesDiscovered(epoch uint64, peer device.Peer, services []device.ServiceInfo, err error) {
	if epoch != m.epoch || m.state.Phase != Connecting || m.handle == nil || m.handle.peer != peer {
		return
	}

	if err != nil {
		m.logf("Service discovery on %s failed: %v", m.handle.DisplayName(), err)
		m.onLinkFailure(err)
		return
	}

	if _, err := device.FindCharacteristic(services, m.opts.ServiceUUID, m.opts.CharacteristicUUID); err != nil {
		m.logf("%s does not expose the token characteristic: %v", m.handle.DisplayName(), err)
		m.releaseLink()
		m.setHandle(nil)
		m.fail(ServiceMissing, err)
		return
	}

	m.logf("Connected to %s", m.handle.DisplayName())
	m.transition(State{Phase: Connected})
	m.sampler.start(peer)
	m.beginWrite()
}

func (m *Machine) onTransportDisconnected(epoch uint64, peer device.Peer) {
	if epoch != m.epoch || m.handle == nil || m.handle.peer != peer {
		return
	}

	switch m.state.Phase {
	case Success:
		m.completeTeardown()
	case Connecting, Connected, Opening:
		m.logf("Connection to %s lost", m.handle.DisplayName())
		m.onLinkFailure(device.ErrNotConnected)
	default:
		m.releaseLink()
	}
}

// onLinkFailure releases the link and either schedules a reconnect to the
// retained handle or gives up.
func (m *Machine) onLinkFailure(cause error) {
	m.releaseLink()
	m.attempt++

	decision := m.policy.Decide(m.attempt, m.AutoReconnectEnabled())
	if decision.Authorized {
		attempt := m.attempt
		m.reconnects.Add(1)
		m.reconnectTimer = m.after(decision.Delay, func() { m.onReconnectDue(attempt) })
		m.logf("Reconnect attempt %d of %d in %s", attempt, m.policy.MaxAttempts, decision.Delay)
		m.transition(State{Phase: Connecting})
		return
	}

	kind := ConnectFailed
	if m.handle.everConnected {
		kind = ConnectionLost
	}
	if !m.AutoReconnectEnabled() {
		m.logf("Auto-reconnect is disabled, giving up on %s", m.handle.DisplayName())
	} else {
		m.logf("Giving up on %s after %d reconnect attempts", m.handle.DisplayName(), m.attempt-1)
	}
	m.setHandle(nil)
	m.fail(kind, cause)
}

func (m *Machine) onReconnectDue(attempt int) {
	if m.state.Phase != Connecting || attempt != m.attempt || m.handle == nil {
		return
	}
	m.reconnectTimer = nil
	m.logf("Reconnecting to %s (attempt %d of %d)", m.handle.DisplayName(), attempt, m.policy.MaxAttempts)
	m.dial()
}

// releaseLink stops sampling, cancels in-flight link work and closes the
// peer. The handle itself is kept for reconnects.
func (m *Machine) releaseLink() {
	m.sampler.stop()

	for _, cancel := range []*context.CancelFunc{&m.connectCancel, &m.writeCancel, &m.linkCancel} {
		if *cancel != nil {
			(*cancel)()
			*cancel = nil
		}
	}

	if m.handle == nil || m.handle.peer == nil {
		return
	}
	peer := m.handle.peer
	m.handle.peer = nil
	if err := peer.Close(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": peer.Address(),
			"error":   err,
		}).Debug("Closing link reported an error")
	}
}
