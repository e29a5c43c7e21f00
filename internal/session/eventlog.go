package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/keytap/internal/ringchan"
)

// Entry is one event log line.
type Entry struct {
	Time    time.Time
	Message string
}

// EventLog is an append-only ordered sequence of protocol events.
// Entries are only removed by Clear. Every entry is mirrored to the
// diagnostic logger at Info level.
type EventLog struct {
	clock  clock.Clock
	logger *logrus.Logger

	mu      sync.Mutex
	entries []Entry
	subs    map[int]*ringchan.RingChannel[Entry]
	nextSub int
}

// NewEventLog creates an empty event log. A nil clock uses wall time.
func NewEventLog(clk clock.Clock, logger *logrus.Logger) *EventLog {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &EventLog{
		clock:  clk,
		logger: logger,
		subs:   make(map[int]*ringchan.RingChannel[Entry]),
	}
}

// Append adds an entry stamped with the current time.
func (l *EventLog) Append(message string) Entry {
	return l.append(nil, message)
}

// Appendf formats and adds an entry.
func (l *EventLog) Appendf(format string, args ...any) Entry {
	return l.append(nil, fmt.Sprintf(format, args...))
}

func (l *EventLog) append(fields logrus.Fields, message string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{Time: l.clock.Now(), Message: message}
	l.entries = append(l.entries, e)
	for _, sub := range l.subs {
		sub.Send(e)
	}

	// mirror under the lock so diagnostic output keeps the same order
	l.logger.WithFields(fields).Info(message)
	return e
}

// Entries returns a copy of all entries in emission order.
func (l *EventLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Messages returns the entry messages in emission order.
func (l *EventLog) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Message
	}
	return out
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes every entry. Subscribers stay attached.
func (l *EventLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Subscribe streams entries appended after the call. A subscriber that falls
// more than buffer entries behind loses the oldest ones. The returned func
// detaches the subscriber and closes the channel.
func (l *EventLog) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	rc := ringchan.New[Entry](buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = rc
	l.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			rc.Close()
		})
	}
}

func (l *EventLog) closeSubscribers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sub := range l.subs {
		sub.Close()
		delete(l.subs, id)
	}
}
