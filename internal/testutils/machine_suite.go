package testutils

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/session"
	"github.com/stretchr/testify/suite"
)

// MachineSuite provides a reusable test suite running a session.Machine
// against a FakeTransport on a mock clock.
//
// Basic usage (default peripheral exposing the token characteristic):
//
//	type OpenSuite struct {
//	    testutils.MachineSuite
//	}
//
//	func TestOpenSuite(t *testing.T) {
//	    suite.Run(t, new(OpenSuite))
//	}
//
// Custom peripheral usage:
//
//	func (s *OpenSuite) TestMissingService() {
//	    s.Start(testutils.NewPeripheralBuilder(s.T()).WithService("180f"))
//	    ...
//	}
//
// Timers only fire when the test advances Clock, so every timed transition
// is deterministic.
type MachineSuite struct {
	suite.Suite

	// Core test utilities
	Helper *TestHelper
	Logger *logrus.Logger

	Clock     *clock.Mock
	Options   session.Options
	Transport *FakeTransport
	Machine   *session.Machine

	// Optional hook applied to Options before each machine is created
	ConfigureOptions func(*session.Options)

	AwaitTimeout time.Duration

	mu       sync.Mutex
	recorded []session.State
	stopRec  func()
	recDone  chan struct{}
}

// SetupSuite initializes shared helpers. Called once before all tests in the suite.
func (s *MachineSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.AwaitTimeout = 2 * time.Second
}

// SetupTest starts a machine against the default token peripheral.
func (s *MachineSuite) SetupTest() {
	s.Start(NewTokenPeripheralBuilder(s.T()))
}

// TearDownTest closes the machine started by the test.
func (s *MachineSuite) TearDownTest() {
	s.stop()
	s.ConfigureOptions = nil
}

// Start replaces the running machine with one talking to the peripheral
// described by builder.
func (s *MachineSuite) Start(builder *PeripheralBuilder) {
	s.stop()

	s.Clock = clock.NewMock()
	s.Options = session.DefaultOptions()
	s.Options.Clock = s.Clock
	if s.ConfigureOptions != nil {
		s.ConfigureOptions(&s.Options)
	}

	s.Transport = builder.Build()
	m, err := session.NewMachine(s.Transport, s.Options, s.Logger)
	s.Require().NoError(err, "machine MUST start with valid options")
	s.Machine = m

	states, cancel := m.SubscribeStates(256)
	done := make(chan struct{})
	s.mu.Lock()
	s.recorded = nil
	s.stopRec = cancel
	s.recDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for st := range states {
			s.mu.Lock()
			s.recorded = append(s.recorded, st)
			s.mu.Unlock()
		}
	}()
}

func (s *MachineSuite) stop() {
	if s.Machine == nil {
		return
	}
	s.Machine.Close()
	s.stopRec()
	<-s.recDone
	s.Machine = nil
}

// States returns every state observed so far, starting with the initial Idle.
func (s *MachineSuite) States() []session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.State(nil), s.recorded...)
}

// Phases returns the phases of States.
func (s *MachineSuite) Phases() []session.Phase {
	states := s.States()
	phases := make([]session.Phase, len(states))
	for i, st := range states {
		phases[i] = st.Phase
	}
	return phases
}

// CountPhase returns how many times phase was entered.
func (s *MachineSuite) CountPhase(phase session.Phase) int {
	n := 0
	for _, p := range s.Phases() {
		if p == phase {
			n++
		}
	}
	return n
}

// AwaitPhase waits until phase has been entered at least n times.
func (s *MachineSuite) AwaitPhase(phase session.Phase, n int) {
	s.Require().Eventually(func() bool {
		return s.CountPhase(phase) >= n
	}, s.AwaitTimeout, 5*time.Millisecond, "phase %s MUST be entered %d time(s), observed %v", phase, n, s.Phases())
}

// AwaitState waits until the current state has the given phase.
func (s *MachineSuite) AwaitState(phase session.Phase) session.State {
	s.Require().Eventually(func() bool {
		return s.Machine.State().Phase == phase
	}, s.AwaitTimeout, 5*time.Millisecond, "state MUST reach %s, observed %v", phase, s.Phases())
	return s.Machine.State()
}

// Advance moves the mock clock forward, firing due timers.
func (s *MachineSuite) Advance(d time.Duration) {
	s.Clock.Add(d)
}
