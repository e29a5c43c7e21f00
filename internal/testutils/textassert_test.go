package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	messages []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

func TestTextAsserter_DefaultOptions(t *testing.T) {
	opts := NewTextAsserter(t).GetOptions()
	assert.True(t, opts.TrimSpace)
	assert.True(t, opts.IgnoreLeadingWhitespace)
	assert.True(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.EnableColors, "colors MUST be off by default")
}

func TestTextAsserter_IndentedTranscript(t *testing.T) {
	rec := &recordingT{}
	ta := NewTextAsserter(rec)

	ok := ta.AssertLines([]string{"Scanning", "Found FrontDoor"}, `
		Scanning
		Found FrontDoor
	`)
	assert.True(t, ok)
	assert.Empty(t, rec.messages)
}

func TestTextAsserter_ReportsDiff(t *testing.T) {
	rec := &recordingT{}
	ta := NewTextAsserter(rec)

	ok := ta.AssertLines([]string{"Scanning", "Connecting"}, `
		Scanning
		Connected
	`)
	assert.False(t, ok)
	if assert.Len(t, rec.messages, 1) {
		assert.Contains(t, rec.messages[0], "-Connected")
		assert.Contains(t, rec.messages[0], "+Connecting")
	}
}

func TestTextAsserter_ExactWhitespace(t *testing.T) {
	ta := NewTextAsserter(&recordingT{}, WithExactWhitespace())
	assert.NotEmpty(t, ta.Diff("a\n", "a"))
	assert.Empty(t, ta.Diff("a", "a"))

	colored := NewTextAsserter(&recordingT{}, WithEnableColors(true)).Diff("x", "y")
	assert.True(t, strings.Contains(colored, "\x1b["), "colored diff MUST contain ANSI escapes")
}
