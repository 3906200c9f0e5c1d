package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLogrusLogger_WritesFormattedLines(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	log := NewLogrus(l).WithField("queue", "orders")
	log.Info("declared queue %q", "orders")
	log.Debug("depth=%d", 3)

	out := buf.String()
	assert.Contains(t, out, `level=info msg="declared queue \"orders\""`)
	assert.Contains(t, out, "component=carrot")
	assert.Contains(t, out, "queue=orders")
	assert.Contains(t, out, "depth=3")
}

func TestLogrusLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.WarnLevel)

	log := NewLogrus(l)
	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLogrusLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLogrusLevel("debug"))
	assert.Equal(t, logrus.InfoLevel, ParseLogrusLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLogrusLevel("chatty"))
}

func TestNilLogger_FatalPanics(t *testing.T) {
	var n NilLogger
	n.Info("ignored")
	assert.PanicsWithValue(t, "boom 1", func() { n.Fatal("boom %d", 1) })
}
