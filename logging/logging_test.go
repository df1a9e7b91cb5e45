package logging_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic/promotion-engine/config"
	"github.com/traffic/promotion-engine/logging"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promo.log")
	log, closeLog, err := logging.New(config.LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.WithField("policy_id", "p-1").Debug("coupon issued")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "coupon issued", entry["msg"])
	assert.Equal(t, "p-1", entry["policy_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log, _, err := logging.New(config.LogConfig{Level: "loud", Output: "stderr"})

	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}

func TestNew_BadFile(t *testing.T) {
	_, _, err := logging.New(config.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "promo.log")})
	assert.Error(t, err)
}
