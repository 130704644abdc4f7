package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 5*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 4*time.Minute, cfg.DataConditionCooldown)
	assert.Equal(t, 24*time.Hour, cfg.InvalidCronFallback)
	assert.Equal(t, "queue:executions", cfg.QueueName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("MAX_ATTEMPTS", "9")
	t.Setenv("ACTION_SERVICE_URL", "http://actions:9000/")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 9, cfg.MaxAttempts)
	assert.Equal(t, "http://actions:9000", cfg.ActionServiceURL)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: redis:6380\nlog_level: debug\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg := Load()
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestNewLogger_FileOutput(t *testing.T) {
	cfg := Load()
	cfg.Log.Output = "file"
	cfg.Log.FilePath = filepath.Join(t.TempDir(), "logs", "engine.log")
	cfg.Log.Level = "warn"

	log, err := NewLogger(cfg, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.Logger.GetLevel())
	assert.Equal(t, "scheduler", log.Data["service"])

	log.Warn("tick overlapped")
	_, err = os.Stat(cfg.Log.FilePath)
	assert.NoError(t, err)
}
