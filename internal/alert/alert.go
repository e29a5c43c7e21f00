// Package alert gives audible and colored feedback when an open run ends.
package alert

import (
	"io"

	"github.com/fatih/color"
)

// Bell is the terminal bell control character.
const Bell = "\a"

// Alerter writes outcome banners to a terminal.
type Alerter struct {
	w       io.Writer
	bell    bool
	success *color.Color
	failure *color.Color
}

// New returns an Alerter writing to w. bell rings the terminal bell with each
// banner; colored enables ANSI colors regardless of the detected terminal.
func New(w io.Writer, bell, colored bool) *Alerter {
	success := color.New(color.FgGreen, color.Bold)
	failure := color.New(color.FgRed, color.Bold)
	for _, c := range []*color.Color{success, failure} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return &Alerter{w: w, bell: bell, success: success, failure: failure}
}

// Success announces a delivered token with a single bell.
func (a *Alerter) Success(msg string) {
	a.ring(1)
	a.success.Fprintln(a.w, msg)
}

// Failure announces a failed run with a double bell.
func (a *Alerter) Failure(msg string) {
	a.ring(2)
	a.failure.Fprintln(a.w, msg)
}

func (a *Alerter) ring(n int) {
	if !a.bell {
		return
	}
	for i := 0; i < n; i++ {
		_, _ = io.WriteString(a.w, Bell)
	}
}
