package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/ratefit/internal/calibrate"
	"github.com/copyleftdev/ratefit/internal/encoder"
	"github.com/copyleftdev/ratefit/internal/memo"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Search struct {
		Method      string        `env:"SEARCH_METHOD" envDefault:"auto"`
		Threads     int           `env:"SEARCH_THREADS" envDefault:"1"`
		Tolerance   float64       `env:"SEARCH_TOLERANCE" envDefault:"1e-6"`
		MaxRounds   int           `env:"SEARCH_MAX_ROUNDS" envDefault:"2200"`
		Lower       float64       `env:"SEARCH_LOWER" envDefault:"0"`
		Upper       float64       `env:"SEARCH_UPPER" envDefault:"200000"`
		EvalTimeout time.Duration `env:"SEARCH_EVAL_TIMEOUT" envDefault:"0s"`
		MaxJobs     int           `env:"SEARCH_MAX_JOBS" envDefault:"4"`
	}
	Cache struct {
		Backend        string `env:"CACHE_BACKEND" envDefault:"file"`
		Codec          string `env:"CACHE_CODEC" envDefault:"json"`
		Dir            string `env:"CACHE_DIR" envDefault:".temp"`
		RedisAddr      string `env:"CACHE_REDIS_ADDR" envDefault:"localhost:6379"`
		RedisPassword  string `env:"CACHE_REDIS_PASSWORD"`
		RedisDB        int    `env:"CACHE_REDIS_DB" envDefault:"0"`
		RedisPrefix    string `env:"CACHE_REDIS_PREFIX" envDefault:"ratefit:memo"`
		Bucket         string `env:"CACHE_BUCKET"`
		Prefix         string `env:"CACHE_PREFIX" envDefault:"memo"`
		S3Region       string `env:"CACHE_S3_REGION"`
		MinioEndpoint  string `env:"CACHE_MINIO_ENDPOINT"`
		MinioAccessKey string `env:"CACHE_MINIO_ACCESS_KEY"`
		MinioSecretKey string `env:"CACHE_MINIO_SECRET_KEY"`
		MinioSecure    bool   `env:"CACHE_MINIO_SECURE" envDefault:"true"`
		SQLiteDSN      string `env:"CACHE_SQLITE_DSN" envDefault:"file:.temp/ratefit.db"`
	}
	Encoder struct {
		BinDir          string `env:"JPLM_BIN"`
		Input           string `env:"LIGHTFIELD_RAW_PATH"`
		Name            string `env:"LIGHTFIELD_NAME" envDefault:"lightfield"`
		U               int    `env:"LIGHTFIELD_U" envDefault:"625"`
		V               int    `env:"LIGHTFIELD_V" envDefault:"434"`
		T               int    `env:"LIGHTFIELD_T" envDefault:"13"`
		S               int    `env:"LIGHTFIELD_S" envDefault:"13"`
		WorkDir         string `env:"ENCODER_WORKDIR" envDefault:".temp"`
		DeleteArtifacts bool   `env:"ENCODER_DELETE_ARTIFACTS" envDefault:"false"`
		Unit            string `env:"ENCODER_UNIT" envDefault:"bpp"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that env parsing cannot.
func (c *Config) Validate() error {
	if _, err := calibrate.ParseMethod(c.Search.Method); err != nil {
		return err
	}
	if _, err := encoder.ParseUnit(c.Encoder.Unit); err != nil {
		return err
	}
	if _, err := memo.CodecByName(c.Cache.Codec); err != nil {
		return err
	}
	if c.Search.Lower > c.Search.Upper {
		return fmt.Errorf("SEARCH_LOWER %g exceeds SEARCH_UPPER %g", c.Search.Lower, c.Search.Upper)
	}
	if c.Search.Threads < 1 {
		return fmt.Errorf("SEARCH_THREADS must be at least 1, got %d", c.Search.Threads)
	}
	if c.Search.MaxJobs < 1 {
		return fmt.Errorf("SEARCH_MAX_JOBS must be at least 1, got %d", c.Search.MaxJobs)
	}
	return c.Dimensions().Validate()
}

// Dimensions returns the configured light field dimensions.
func (c *Config) Dimensions() encoder.Dimensions {
	return encoder.Dimensions{U: c.Encoder.U, V: c.Encoder.V, T: c.Encoder.T, S: c.Encoder.S}
}

// StoreConfig returns the memo store settings, namespaced by light field.
func (c *Config) StoreConfig() memo.StoreConfig {
	return memo.StoreConfig{
		Backend:        c.Cache.Backend,
		Namespace:      c.Encoder.Name,
		Codec:          c.Cache.Codec,
		Dir:            c.Cache.Dir,
		RedisAddr:      c.Cache.RedisAddr,
		RedisPassword:  c.Cache.RedisPassword,
		RedisDB:        c.Cache.RedisDB,
		RedisPrefix:    c.Cache.RedisPrefix,
		Bucket:         c.Cache.Bucket,
		Prefix:         c.Cache.Prefix,
		S3Region:       c.Cache.S3Region,
		MinioEndpoint:  c.Cache.MinioEndpoint,
		MinioAccessKey: c.Cache.MinioAccessKey,
		MinioSecretKey: c.Cache.MinioSecretKey,
		MinioSecure:    c.Cache.MinioSecure,
		SQLiteDSN:      c.Cache.SQLiteDSN,
	}
}

// DefaultRequest returns a calibration request carrying the configured
// search settings and no targets.
func (c *Config) DefaultRequest() calibrate.Request {
	method, _ := calibrate.ParseMethod(c.Search.Method)
	return calibrate.Request{
		Lower:     c.Search.Lower,
		Upper:     c.Search.Upper,
		Threads:   c.Search.Threads,
		Tolerance: c.Search.Tolerance,
		MaxRounds: c.Search.MaxRounds,
		Method:    method,
		Timeout:   c.Search.EvalTimeout,
	}
}
