package session

import (
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type EventLogTestSuite struct {
	suite.Suite
	clock *clock.Mock
	log   *EventLog
}

func (s *EventLogTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s.clock = clock.NewMock()
	s.log = NewEventLog(s.clock, logger)
}

func (s *EventLogTestSuite) TestAppendKeepsEmissionOrder() {
	// GOAL: Verify entries are kept in emission order with clock timestamps
	//
	// TEST SCENARIO: Append three entries at different times → entries are ordered and stamped

	start := s.clock.Now()
	s.log.Append("first")
	s.clock.Add(time.Second)
	s.log.Appendf("second %d", 2)
	s.clock.Add(time.Second)
	s.log.Append("third")

	s.Equal([]string{"first", "second 2", "third"}, s.log.Messages(), "messages MUST be in emission order")

	entries := s.log.Entries()
	s.Require().Len(entries, 3)
	s.Equal(start, entries[0].Time, "first entry MUST carry the append time")
	s.Equal(start.Add(2*time.Second), entries[2].Time, "last entry MUST carry the append time")
	s.Equal(3, s.log.Len())
}

func (s *EventLogTestSuite) TestEntriesReturnsCopy() {
	s.log.Append("one")
	entries := s.log.Entries()
	entries[0].Message = "changed"

	s.Equal("one", s.log.Messages()[0], "callers MUST NOT be able to rewrite history")
}

func (s *EventLogTestSuite) TestClear() {
	// GOAL: Verify Clear empties the log and later appends start fresh
	//
	// TEST SCENARIO: Append, clear, append → only the entry after Clear remains

	s.log.Append("before")
	s.log.Clear()
	s.Equal(0, s.log.Len(), "log MUST be empty after Clear")

	s.log.Append("after")
	s.Equal([]string{"after"}, s.log.Messages())
}

func (s *EventLogTestSuite) TestSubscribeStreamsNewEntries() {
	// GOAL: Verify subscribers receive entries appended after subscribing
	//
	// TEST SCENARIO: Append, subscribe, append twice → only the later entries are streamed

	s.log.Append("missed")
	ch, cancel := s.log.Subscribe(8)
	defer cancel()

	s.log.Append("a")
	s.log.Append("b")

	s.Equal("a", (<-ch).Message)
	s.Equal("b", (<-ch).Message)
}

func (s *EventLogTestSuite) TestSubscriberCancelClosesChannel() {
	ch, cancel := s.log.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	s.False(ok, "channel MUST be closed after cancel")

	s.NotPanics(func() { s.log.Append("after cancel") }, "append MUST NOT reach a detached subscriber")
}

func (s *EventLogTestSuite) TestSlowSubscriberLosesOldest() {
	ch, cancel := s.log.Subscribe(2)
	defer cancel()

	s.log.Append("1")
	s.log.Append("2")
	s.log.Append("3")

	s.Equal("2", (<-ch).Message, "oldest entry MUST be overwritten")
	s.Equal("3", (<-ch).Message)
	s.Equal([]string{"1", "2", "3"}, s.log.Messages(), "the log itself MUST keep every entry")
}

func TestEventLogTestSuite(t *testing.T) {
	suite.Run(t, new(EventLogTestSuite))
}

func TestEventLogMirrorsToLogger(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	hook := &captureHook{}
	logger.AddHook(hook)
	logger.SetOutput(io.Discard)

	l := NewEventLog(clock.NewMock(), logger)
	l.append(logrus.Fields{"phase": "Scanning"}, "Scanning for service x")

	require.Len(t, hook.entries, 1)
	assert.Equal(t, "Scanning for service x", hook.entries[0].Message)
	assert.Equal(t, "Scanning", hook.entries[0].Data["phase"], "fields MUST be forwarded to the diagnostic logger")
	assert.Equal(t, logrus.InfoLevel, hook.entries[0].Level)
}

type captureHook struct {
	entries []*logrus.Entry
}

func (h *captureHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *captureHook) Fire(e *logrus.Entry) error {
	h.entries = append(h.entries, e)
	return nil
}
