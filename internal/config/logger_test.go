package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	log, err := LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("device", "0x1a2b3c4d5e").Debug("设备已连接")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device":"0x1a2b3c4d5e"`)
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestNewLoggerFallsBack(t *testing.T) {
	log, err := LogConfig{Level: "loud", Output: "file"}.NewLogger()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "日志级别错误")
	assert.Contains(t, err.Error(), "file_path")

	require.NotNil(t, log)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.Equal(t, os.Stderr, log.Out)
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
