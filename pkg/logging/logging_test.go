package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2gc-dev/wgx/pkg/types"
)

func TestNewDoesNotPanicForAnyFormat(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		l := New(types.LoggingConfig{Level: "debug", Format: format})
		assert.NotPanics(t, func() {
			l.Debug("test", "format", format)
			l.Info("test")
			l.Warn("test")
			l.Error("test")
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", levelOrDefault("debug"))
	assert.Equal(t, "info", levelOrDefault("bogus"))
}

func levelOrDefault(level string) string {
	switch parseLevel(level).String() {
	case "DEBUG":
		return "debug"
	case "WARN":
		return "warn"
	case "ERROR":
		return "error"
	default:
		return "info"
	}
}

func TestWithAddsFieldsWithoutPanicking(t *testing.T) {
	l := New(types.LoggingConfig{Level: "info", Format: "json"})
	child := With(l, "component", "forwarder")
	assert.NotPanics(t, func() { child.Info("forwarding", "bytes", 128) })
}
