package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressSeconds(t *testing.T) {
	countdown := NewCountdownProgressPrinter(new(bytes.Buffer), "Scanning", "Scanning", 5*time.Second)
	countUp := NewProgressPrinter(new(bytes.Buffer), "Working", "Working")

	tests := []struct {
		name    string
		p       *ProgressPrinter
		elapsed time.Duration
		want    int
	}{
		{name: "countdown start", p: countdown, elapsed: 0, want: 5},
		{name: "countdown rounds up", p: countdown, elapsed: 1300 * time.Millisecond, want: 4},
		{name: "countdown rounds down", p: countdown, elapsed: 1700 * time.Millisecond, want: 3},
		{name: "countdown expired", p: countdown, elapsed: 6 * time.Second, want: 0},
		{name: "count up", p: countUp, elapsed: 2900 * time.Millisecond, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.seconds(tt.elapsed))
		})
	}
}

func TestProgressPrinterLifecycle(t *testing.T) {
	// GOAL: Verify the printer draws the initial phase and clears the line when a stop phase arrives

	buf := new(bytes.Buffer)
	p := NewCountdownProgressPrinter(buf, "Scanning for access points", "Scanning", time.Second, "Processing results")
	p.Start()

	p.Callback()("Processing results")
	p.Stop() // second stop is a no-op

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\rScanning for access points (Scanning...)"), "initial phase MUST be drawn: %q", out)
	assert.True(t, strings.HasSuffix(out, clearLineSequence), "line MUST be cleared on stop")
	assert.Equal(t, 1, strings.Count(out, clearLineSequence), "line MUST be cleared once")

	assert.Panics(t, p.Start, "printer MUST NOT be restartable")
}
