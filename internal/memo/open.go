package memo

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// Backend names accepted by OpenStore.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendSQLite = "sqlite"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Backend string
	// Namespace separates documents of different inputs, e.g. one per
	// light field.
	Namespace string
	Codec     string

	// file
	Dir string

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// s3 and minio
	Bucket         string
	Prefix         string
	S3Region       string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioSecure    bool

	// sqlite
	SQLiteDSN string
}

// documentName is the object or file name used for a namespace.
func documentName(namespace, codec string) string {
	ext := "json"
	if codec != "" {
		ext = strings.ToLower(codec)
	}
	if namespace == "" {
		namespace = "default"
	}
	return namespace + "." + ext
}

// OpenStore builds the configured Store. Remote clients are created here and
// owned by the returned store.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	name := documentName(cfg.Namespace, cfg.Codec)

	switch strings.ToLower(cfg.Backend) {
	case BackendMemory:
		return NewMemoryStore(), nil

	case "", BackendFile:
		dir := cfg.Dir
		if dir == "" {
			dir = ".cache"
		}
		return NewFileStore(filepath.Join(dir, name)), nil

	case BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = "ratefit:memo"
		}
		return storeOrNil(NewRedisStore(RedisConfig{
			Client:      client,
			Key:         prefix + ":" + name,
			CloseClient: true,
		}))

	case BackendS3:
		client, err := NewS3Client(ctx, cfg.S3Region)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		return storeOrNil(NewS3Store(client, cfg.Bucket, cfg.Prefix, name))

	case BackendMinio:
		client, err := NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioSecure)
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return storeOrNil(NewMinioStore(client, cfg.Bucket, cfg.Prefix, name))

	case BackendSQLite:
		dsn := cfg.SQLiteDSN
		if dsn == "" {
			dsn = "file:ratefit.db"
		}
		return storeOrNil(OpenSQLiteStore(dsn, cfg.Namespace))

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// storeOrNil keeps a failed constructor from yielding a non-nil Store
// holding a nil pointer.
func storeOrNil(s Store, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open builds the configured store and codec and returns a Memoizer over
// them.
func Open(ctx context.Context, cfg StoreConfig, opts ...Option) (*Memoizer, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(store, append([]Option{WithCodec(codec)}, opts...)...), nil
}
