package kvsession

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiyiyun/kvsession/codec"
)

func TestConfigFromViperDefaults(t *testing.T) {
	v := viper.New()
	SetViperDefaults(v)

	cfg, err := ConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "ei.httpsession", cfg.ExpiredIndexName())
}

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	SetViperDefaults(v)
	v.Set(KeySetName, "web")
	v.Set(KeyMaxInactiveInterval, -1)
	v.Set(KeyCodec, "gob")
	v.Set(KeyCompression, "snappy")
	v.Set(KeySaveWorkers, 8)
	v.Set(KeyEngineAcquireTimeout, "250ms")
	v.Set(KeyRecordTTL, "2h")
	v.Set(KeyRedisPassword, "hunter2")

	cfg, err := ConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.SetName)
	assert.Equal(t, "ei.web", cfg.ExpiredIndexName())
	assert.Equal(t, -time.Second, cfg.MaxInactiveInterval)
	assert.Equal(t, codec.FamilyGob, cfg.Codec)
	assert.Equal(t, codec.CompressionSnappy, cfg.Compression)
	assert.Equal(t, 8, cfg.SaveWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.EngineAcquireTimeout)
	assert.Equal(t, 2*time.Hour, cfg.RecordTTL)

	out := cfg.String()
	assert.Contains(t, out, "set-name: web")
	assert.NotContains(t, out, "hunter2")

	v.Set(KeyIndexName, "custom")
	cfg, err = ConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.ExpiredIndexName())
}

func TestConfigFromViperInvalid(t *testing.T) {
	for key, value := range map[string]interface{}{
		KeyCodec:          "xml",
		KeyCompression:    "lz4",
		KeySaveWorkers:    0,
		KeyEnginePoolSize: -1,
		KeySetName:        "",
	} {
		v := viper.New()
		SetViperDefaults(v)
		v.Set(key, value)
		_, err := ConfigFromViper(v)
		assert.Error(t, err, key)
	}
}
