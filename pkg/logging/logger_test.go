package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("loud"))
}

func TestRunIDStable(t *testing.T) {
	assert.Equal(t, RunID(), RunID())
	assert.NotEmpty(t, RunID())
}

func TestLoggerWritesAndFilters(t *testing.T) {
	l := NewLogger("testcomp", LevelInfo)
	defer l.Close()

	l.Debugf("below threshold %d", 1)
	l.Infof("hello %s", "world")
	l.Warnf("careful")

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	path := filepath.Join(home, ".browserd", "logs", RunID()+"-browserd.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.Contains(t, content, "[testcomp] [INFO] hello world")
	assert.Contains(t, content, "[testcomp] [WARN] careful")
	assert.NotContains(t, content, "below threshold")
}

func TestLoggerCloseIdempotent(t *testing.T) {
	l := NewLogger("closer", LevelInfo)
	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
