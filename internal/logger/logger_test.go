package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConsoleText(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := New(WithConsole(&buf))
	require.NoError(t, err)
	defer closeFn()

	log.Debug("hidden")
	log.Info("Token fetched", "token_prefix", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `msg="Token fetched"`)
	assert.Contains(t, out, "token_prefix=abc")
}

func TestNew_DebugJSON(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := New(WithConsole(&buf), WithDebug(true), WithFormat("json"))
	require.NoError(t, err)
	defer closeFn()

	log.Debug("Fetching token")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "Fetching token", rec["msg"])
}

func TestNew_FanoutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "push.log")
	log, closeFn, err := New(WithConsole(&buf), WithFile(path))
	require.NoError(t, err)

	log.With("component", "registry").Info("Stored token")
	require.NoError(t, closeFn())

	assert.Contains(t, buf.String(), "Stored token")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "Stored token", rec["msg"])
	assert.Equal(t, "registry", rec["component"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNew_FileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "push.log")
	log, closeFn, err := New(WithConsole(nil), WithFile(path))
	require.NoError(t, err)
	log.Warn("Only in file")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Only in file")
}

func TestNew_BadFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	_, _, err := New(WithFile(filepath.Join(blocker, "push.log")))
	assert.Error(t, err)
}
