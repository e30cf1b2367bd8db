package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(filter *regexp.Regexp) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	l.SetLevel(logrus.DebugLevel)
	return New(l, filter), &buf
}

func TestLoggerCategory(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(nil)
	l.Debugf("cdp:send", "-> %s", `{"id":1}`)

	out := buf.String()
	assert.Contains(t, out, "category=\"cdp:send\"")
	assert.Contains(t, out, `{\"id\":1}`)
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(regexp.MustCompile(`^targets`))
	l.Debugf("cdp:recv", "dropped")
	l.Infof("targets", "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestLoggerLevel(t *testing.T) {
	t.Parallel()

	l, buf := newBufferLogger(nil)
	require.NoError(t, l.SetLevel("warn"))
	assert.False(t, l.DebugMode())

	l.Infof("session", "hidden")
	l.Errorf("session", "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	assert.Error(t, l.SetLevel("loud"))
}

func TestLoggerNil(t *testing.T) {
	t.Parallel()

	var l *Logger
	assert.NotPanics(t, func() {
		l.Errorf("any", "nothing %d", 1)
	})
	assert.False(t, l.DebugMode())
	assert.NotPanics(t, func() {
		NewNullLogger().Errorf("any", "discarded")
	})
}
