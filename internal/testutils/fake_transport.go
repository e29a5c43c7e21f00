package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/keytap/internal/device"
)

// ErrConnectRefused is the connect failure injected by FailConnectsAfter.
var ErrConnectRefused = errors.New("connection refused by peripheral")

// FakeAdvertisement is a scripted advertisement
type FakeAdvertisement struct {
	Address      string
	Name         string
	Rssi         int
	ServiceUUIDs []string
}

func (a FakeAdvertisement) LocalName() string  { return a.Name }
func (a FakeAdvertisement) Services() []string { return a.ServiceUUIDs }
func (a FakeAdvertisement) RSSI() int          { return a.Rssi }
func (a FakeAdvertisement) Addr() string       { return a.Address }
func (a FakeAdvertisement) Connectable() bool  { return true }

// FakeTransport is an in-memory device.Transport driven by a PeripheralBuilder.
// Every call is recorded so tests can assert on what the machine asked for.
type FakeTransport struct {
	mu sync.Mutex

	checkErr       error
	scanErr        error
	advertisements []FakeAdvertisement
	services       []device.ServiceInfo
	discoverErr    error
	holdDiscovery  bool
	writeErr       error
	holdWrites     bool
	linkRSSI       int
	connectErrs    []error
	failAfter      int // connects beyond this count fail; negative disables
	onDisconnect   func()

	scans       int
	activeScans int
	parkedScans int
	connects    int
	writes      [][]byte
	rssiReads   int
	peers       []*FakePeer
}

func (f *FakeTransport) Check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkErr
}

// Scan delivers every scripted advertisement that carries serviceFilter, or
// every advertisement when the filter is empty, and then blocks until ctx is done.
func (f *FakeTransport) Scan(ctx context.Context, serviceFilter string, handler func(device.Advertisement)) error {
	f.mu.Lock()
	f.scans++
	f.activeScans++
	advs := append([]FakeAdvertisement(nil), f.advertisements...)
	scanErr := f.scanErr
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.activeScans--
		f.mu.Unlock()
	}()

	if scanErr != nil {
		return scanErr
	}

	for _, adv := range advs {
		if ctx.Err() != nil {
			return nil
		}
		if serviceFilter == "" {
			handler(adv)
			continue
		}
		for _, svc := range adv.ServiceUUIDs {
			if device.SameUUID(svc, serviceFilter) {
				handler(adv)
				break
			}
		}
	}

	f.mu.Lock()
	f.parkedScans++
	f.mu.Unlock()
	<-ctx.Done()
	f.mu.Lock()
	f.parkedScans--
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Connect(ctx context.Context, address string) (device.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if i := f.connects - 1; i < len(f.connectErrs) && f.connectErrs[i] != nil {
		return nil, f.connectErrs[i]
	}
	if f.failAfter >= 0 && f.connects > f.failAfter {
		return nil, ErrConnectRefused
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &FakePeer{
		transport:    f,
		address:      address,
		disconnected: make(chan struct{}),
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// Scans returns how many scans were started.
func (f *FakeTransport) Scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

// ActiveScans returns how many scans are currently running.
func (f *FakeTransport) ActiveScans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeScans
}

// ParkedScans returns how many running scans have delivered every scripted
// advertisement and are waiting for cancellation.
func (f *FakeTransport) ParkedScans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parkedScans
}

// Connects returns how many connect requests were issued.
func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Writes returns a copy of every payload written.
func (f *FakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// RSSIReads returns how many signal strength queries were served.
func (f *FakeTransport) RSSIReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rssiReads
}

// SetHoldWrites changes whether subsequent writes block until the link drops.
func (f *FakeTransport) SetHoldWrites(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdWrites = hold
}

// SetLinkRSSI changes the value returned by subsequent RSSI reads.
func (f *FakeTransport) SetLinkRSSI(rssi int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkRSSI = rssi
}

// OpenLinks returns how many peers are neither closed nor dropped.
func (f *FakeTransport) OpenLinks() int {
	f.mu.Lock()
	peers := append([]*FakePeer(nil), f.peers...)
	f.mu.Unlock()

	n := 0
	for _, p := range peers {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

// LastPeer returns the most recently connected peer, or nil.
func (f *FakeTransport) LastPeer() *FakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// OnDisconnect registers a hook invoked at the start of every intentional
// Disconnect call.
func (f *FakeTransport) OnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

// FakePeer is a link produced by FakeTransport.Connect
type FakePeer struct {
	transport    *FakeTransport
	address      string
	disconnected chan struct{}
	dropOnce     sync.Once

	mu              sync.Mutex
	closed          bool
	dropped         bool
	disconnectCalls int
}

func (p *FakePeer) Address() string { return p.address }

func (p *FakePeer) DiscoverServices(ctx context.Context) ([]device.ServiceInfo, error) {
	f := p.transport
	f.mu.Lock()
	services := append([]device.ServiceInfo(nil), f.services...)
	err, hold := f.discoverErr, f.holdDiscovery
	f.mu.Unlock()

	if hold {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.disconnected:
			return nil, device.ErrNotConnected
		}
	}
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (p *FakePeer) WriteCharacteristic(ctx context.Context, service, characteristic string, data []byte) error {
	f := p.transport
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	services := f.services
	err, hold := f.writeErr, f.holdWrites
	f.mu.Unlock()

	if !p.IsOpen() {
		return device.ErrNotConnected
	}
	if hold {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.disconnected:
			return device.ErrNotConnected
		}
	}
	if err != nil {
		return err
	}
	_, err = device.FindCharacteristic(services, service, characteristic)
	return err
}

func (p *FakePeer) ReadRSSI(context.Context) (int, error) {
	f := p.transport
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rssiReads++
	return f.linkRSSI, nil
}

func (p *FakePeer) Disconnected() <-chan struct{} {
	return p.disconnected
}

// Disconnect is the intentional teardown; it drops the link.
func (p *FakePeer) Disconnect() error {
	p.transport.mu.Lock()
	hook := p.transport.onDisconnect
	p.transport.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	p.disconnectCalls++
	p.mu.Unlock()
	p.Drop()
	return nil
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Drop()
	return nil
}

// Drop simulates the link going down on the peripheral side.
func (p *FakePeer) Drop() {
	p.dropOnce.Do(func() {
		p.mu.Lock()
		p.dropped = true
		p.mu.Unlock()
		close(p.disconnected)
	})
}

// IsOpen reports whether the link is still up.
func (p *FakePeer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.dropped
}

// Closed reports whether Close was called.
func (p *FakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// DisconnectCalls returns how many times Disconnect was called.
func (p *FakePeer) DisconnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectCalls
}
