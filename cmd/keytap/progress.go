package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a phase with elapsed or remaining seconds on a
// single terminal line.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(w, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Start may be called at most once; Stop is
// safe to call repeatedly.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value        // current phase name
	stopPhases map[string]struct{} // phases that stop the printer
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{} // closed when goroutine exits
	started    atomic.Bool
	countUp    bool
	duration   time.Duration // countdown mode only
}

func newProgressPrinter(w io.Writer, prefix, phase string, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{})
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    true,
	}
	p.phase.Store(phase)
	return p
}

// NewProgressPrinter creates a progress printer that counts up (shows elapsed time).
func NewProgressPrinter(w io.Writer, prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, stopPhases)
}

// NewCountdownProgressPrinter creates a progress printer that counts down from the duration.
func NewCountdownProgressPrinter(w io.Writer, prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	p := newProgressPrinter(w, prefix, phase, stopPhases)
	p.countUp = false
	p.duration = duration
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.startProgressLoop(ticker)
}

// printProgress displays a progress line with optional elapsed/remaining seconds
func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// seconds returns the seconds to display after elapsed.
func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		// Show 0s when countdown completes (don't auto-stop)
		return 0
	}
	// Round to the nearest second, e.g. 3.7s -> 4s, 3.3s -> 3s
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) startProgressLoop(ticker *time.Ticker) {
	p.printProgress(p.phase.Load().(string), 0)

	go func() {
		defer close(p.done)

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				currentPhase := p.phase.Load().(string)
				if _, isStopPhase := p.stopPhases[currentPhase]; isStopPhase {
					return
				}
				p.printProgress(currentPhase, p.seconds(time.Since(p.startTime)))
			}
		}
	}()
}

// Callback returns a progress callback function that updates the phase.
// If the new phase is a stop phase, Stop() is called automatically.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line.
// Only the first call has an effect.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.w, clearLineSequence)
}
