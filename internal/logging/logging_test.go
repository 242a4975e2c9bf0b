package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/natefinch/lumberjack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Options{})
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	logger = NewWithWriter(&buf, Options{Verbose: true})
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, Options{Format: "json"}).Info("converted", "voxels", 42)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "converted", entry["msg"])
	assert.Equal(t, float64(42), entry["voxels"])
}

func TestNewLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brats2twolabel.log")
	logger, closer, err := New(Options{File: path})
	require.NoError(t, err)
	logger.Info("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNewLogFileRotationSize(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name      string
		maxSizeMB int
		want      int
	}{
		{"configured", 25, 25},
		{"unset", 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, closer, err := New(Options{File: filepath.Join(dir, tt.name+".log"), MaxSizeMB: tt.maxSizeMB})
			require.NoError(t, err)
			defer closer.Close()

			lj, ok := closer.(*lumberjack.Logger)
			require.True(t, ok)
			assert.Equal(t, tt.want, lj.MaxSize)
		})
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}
