package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orneryd/upwreason/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		verbose bool
		debug   bool
		wantErr bool
	}{
		{"json info", config.LoggingConfig{Level: "info", Format: "json", Output: "stderr"}, false, false, false},
		{"console debug", config.LoggingConfig{Level: "debug", Format: "console", Output: "stderr"}, false, true, false},
		{"verbose overrides level", config.LoggingConfig{Level: "error", Format: "json"}, true, true, false},
		{"uppercase level", config.LoggingConfig{Level: "WARN", Format: "json"}, false, false, false},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json"}, false, false, true},
		{"bad format", config.LoggingConfig{Level: "info", Format: "xml"}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg, tt.verbose)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.debug, logger.Core().Enabled(zapcore.DebugLevel))
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upw.log")
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path}, false)
	require.NoError(t, err)

	logger.Info("rule applied", zap.String("rule", "sensor_attachment"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rule":"sensor_attachment"`)
}

func TestBadgerLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bl := NewBadgerLogger(zap.New(core))

	bl.Errorf("compaction failed: %v\n", "disk full")
	bl.Warningf("slow write %dms", 120)
	bl.Infof("opened value log")
	bl.Debugf("flushing memtable")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "compaction failed: disk full", entries[0].Message)
	assert.Equal(t, "badger", entries[0].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)
}
