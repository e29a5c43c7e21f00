package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/srg/keytap/internal/session"
)

const entryTimeFormat = "15:04:05.000"

// printer renders event log entries and state changes of an open run.
type printer struct {
	w       io.Writer
	stamp   *color.Color
	phase   *color.Color
	success *color.Color
	failure *color.Color
	notice  *color.Color
}

func newPrinter(w io.Writer, colored bool) *printer {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return &printer{
		w:       w,
		stamp:   mk(color.Faint),
		phase:   mk(color.FgCyan),
		success: mk(color.FgGreen, color.Bold),
		failure: mk(color.FgRed, color.Bold),
		notice:  mk(color.FgYellow),
	}
}

func (p *printer) entry(e session.Entry) {
	p.stamp.Fprintf(p.w, "%s ", e.Time.Format(entryTimeFormat))
	fmt.Fprintln(p.w, e.Message)
}

func (p *printer) state(st session.State) {
	c := p.phase
	switch st.Phase {
	case session.Success:
		c = p.success
	case session.Error:
		c = p.failure
	}
	c.Fprintf(p.w, "[%s]\n", st)
}

func (p *printer) noticef(format string, args ...any) {
	p.notice.Fprintf(p.w, format+"\n", args...)
}
