package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ratefit/internal/calibrate"
	"github.com/copyleftdev/ratefit/internal/encoder"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 200000.0, cfg.Search.Upper)
	assert.Equal(t, 1e-6, cfg.Search.Tolerance)
	assert.Equal(t, encoder.DefaultDimensions, cfg.Dimensions())
	assert.Equal(t, "file", cfg.Cache.Backend)

	req := cfg.DefaultRequest()
	assert.Equal(t, calibrate.MethodAuto, req.Method)
	assert.Equal(t, 1, req.Threads)
	assert.Empty(t, req.Targets)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("SEARCH_THREADS", "8")
	t.Setenv("SEARCH_METHOD", "multisect")
	t.Setenv("SEARCH_EVAL_TIMEOUT", "15m")
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("CACHE_CODEC", "msgpack")
	t.Setenv("LIGHTFIELD_NAME", "Bikes")
	t.Setenv("LIGHTFIELD_U", "626")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	req := cfg.DefaultRequest()
	assert.Equal(t, 8, req.Threads)
	assert.Equal(t, calibrate.MethodMultisect, req.Method)
	assert.Equal(t, 15*time.Minute, req.Timeout)

	sc := cfg.StoreConfig()
	assert.Equal(t, "redis", sc.Backend)
	assert.Equal(t, "msgpack", sc.Codec)
	assert.Equal(t, "Bikes", sc.Namespace)
	assert.Equal(t, 626, cfg.Dimensions().U)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "method", key: "SEARCH_METHOD", value: "golden"},
		{name: "unit", key: "ENCODER_UNIT", value: "kbps"},
		{name: "codec", key: "CACHE_CODEC", value: "xml"},
		{name: "threads", key: "SEARCH_THREADS", value: "0"},
		{name: "interval", key: "SEARCH_LOWER", value: "300000"},
		{name: "dimensions", key: "LIGHTFIELD_T", value: "0"},
		{name: "not a number", key: "SEARCH_TOLERANCE", value: "tight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
