package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, "relay", logger.serviceName)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(&Config{Level: "nope", Format: "json", Output: "stdout"})
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, err := NewLogger(&Config{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestLogger_JSONFields(t *testing.T) {
	logger, err := NewLogger(&Config{
		Level:       "debug",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "relay-test",
		Version:     "v0.0.1",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("request dispatched", "request_id", "req-1", "origin", "https://api.example.com")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request dispatched", entry["message"])
	assert.Equal(t, "relay-test", entry["service"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "https://api.example.com", entry["origin"])
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, GetLogger())

	custom, err := NewLogger(&Config{Level: "warn", Format: "text", Output: "stderr"})
	require.NoError(t, err)

	prev := GetLogger()
	SetGlobalLogger(custom)
	assert.Equal(t, custom, GetLogger())
	SetGlobalLogger(prev)
}
