package memo

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNilClient is returned when a remote store is built without a client.
var ErrNilClient = errors.New("memo: nil client")

// RedisStore keeps the document under a single Redis key, so several
// calibration processes can share measurements.
type RedisStore struct {
	rdb         goredis.UniversalClient
	key         string
	closeClient bool
}

var _ Store = (*RedisStore)(nil)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Client goredis.UniversalClient
	// Key holding the document, e.g. "ratefit:memo:Bikes".
	Key string
	// CloseClient is set only if the store exclusively owns the client.
	CloseClient bool
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &RedisStore{rdb: cfg.Client, key: cfg.Key, closeClient: cfg.CloseClient}, nil
}

func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	return s.rdb.Set(ctx, s.key, data, 0).Err()
}

// Close releases the client only when the store owns it.
func (s *RedisStore) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
