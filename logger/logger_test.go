package logger_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ossobv/osso-djuty-sub000/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_TeesJSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New("production", &buf)
	require.NoError(t, err)

	log.Info("Payment passed", zap.String("payment_id", "abc"))
	_ = log.Sync()

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "Payment passed", entry["msg"])
	assert.Equal(t, "abc", entry["payment_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_WithoutWriter(t *testing.T) {
	log, err := logger.New("development", nil)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
}
