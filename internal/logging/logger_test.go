package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerDefault(t *testing.T) {
	logger := NewLogger(nil)
	assert.NotNil(t, logger)
}

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("also should not appear")
	assert.Empty(t, buf.String())

	logger.Warn("warning message", "qid", 3)
	out := buf.String()
	assert.Contains(t, out, "warning message")
	assert.Contains(t, out, "qid")
	assert.Contains(t, out, "3")
}

func TestLoggerKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Error("register write failed", "offset", 0x14, "errno", 5)
	out := buf.String()
	assert.Contains(t, out, "register write failed")
	assert.Contains(t, out, "offset")
	assert.Contains(t, out, "errno")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	defer SetDefault(NewLogger(nil))

	Debug("debug message", "key", "value")
	assert.Contains(t, buf.String(), "debug message")

	buf.Reset()
	Info("info message")
	assert.Contains(t, buf.String(), "info message")
}
