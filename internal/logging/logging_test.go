package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Output: &buf, Prefix: "store", Format: FormatJSON})
	require.NoError(t, err)

	logger.Debug("history merged", "page", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "history merged", line["msg"])
	assert.Contains(t, line["prefix"], "store")
	assert.EqualValues(t, 2, line["page"])
}

func TestNewLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Output: &buf, Format: FormatLogfmt})
	require.NoError(t, err)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("shown", "id", "t1")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "id=t1")

	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "convostore.log")
	f, err := OpenFile(path)
	require.NoError(t, err)

	logger, err := New(Options{Output: f})
	require.NoError(t, err)
	logger.Info("written")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")
}
