package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTextLoggerWritesComponentAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(&buf, slog.LevelInfo).WithComponent("scheduler")

	logger.Info("epoch merged", Height(7))

	out := buf.String()
	assert.Contains(t, out, "component=scheduler")
	assert.Contains(t, out, "height=7")
	assert.Contains(t, out, "epoch merged")
}

func TestNopLoggerDiscardsOutput(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("should not appear anywhere")
}

func TestFingerprintHexEncodes(t *testing.T) {
	attr := Fingerprint([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.True(t, strings.Contains(attr.Value.String(), "deadbeef"))
}
