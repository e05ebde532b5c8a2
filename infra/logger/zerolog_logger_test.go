package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	l := NewZerologLogger("test")
	if l == nil {
		t.Fatalf("nil logger")
	}
	l.Debugf("debug %d", 1)
	l.Debugw("debug", map[string]any{"k": 1})
	l.Infof("info %s", "test")
	l.Infow("info", map[string]any{"k": 2})
	l.Warnf("warn")
	l.Warnw("warn", nil)
	l.Errorf("error")
}

func TestZerologLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "store", "warn")
	l.Infof("hidden")
	l.With(map[string]any{"job": "J1"}).Warnw("lock timeout", map[string]any{"waited_ms": 250})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "store", rec["component"])
	assert.Equal(t, "J1", rec["job"])
	assert.Equal(t, "warn", rec["level"])
	assert.EqualValues(t, 250, rec["waited_ms"])
}
