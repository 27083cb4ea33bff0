package memo

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")
	s := NewFileStore(path)

	_, err := s.Load(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, s.Save(ctx, []byte(`{"1": 2}`)))
	require.NoError(t, s.Save(ctx, []byte(`{"1": 3}`)))

	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"1": 3}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	buf := []byte("abc")
	require.NoError(t, s.Save(ctx, buf))
	buf[0] = 'x'

	data, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "memo.db")

	bikes, err := OpenSQLiteStore(dsn, "Bikes")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bikes.Close() })

	_, err = bikes.Load(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, bikes.Save(ctx, []byte("first")))
	require.NoError(t, bikes.Save(ctx, []byte("second")))

	data, err := bikes.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	fountain, err := NewSQLiteStore(bikes.db, "Fountain")
	require.NoError(t, err)
	_, err = fountain.Load(ctx)
	assert.True(t, errors.Is(err, ErrNotFound), "namespaces must not share documents")
}

func TestSQLiteStoreWithMemoizer(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "memo.db")
	fn, calls := counter()

	store, err := OpenSQLiteStore(dsn, "Bikes")
	require.NoError(t, err)
	_, err = New(store).Wrap(fn)(context.Background(), 12.5)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStore(dsn, "Bikes")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v, err := New(store).Wrap(fn)(context.Background(), 12.5)
	require.NoError(t, err)
	assert.Equal(t, 125.0, v)
	assert.Equal(t, int32(1), calls.Load())
}

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	store, err := NewS3Store(client, "calibration", "memo", "Bikes.json")
	require.NoError(t, err)

	isDoc := func(bucket, key *string) bool {
		return *bucket == "calibration" && *key == "memo/Bikes.json"
	}

	t.Run("missing", func(t *testing.T) {
		client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
			return isDoc(in.Bucket, in.Key)
		})).Return(nil, &types.NoSuchKey{}).Once()

		_, err := store.Load(ctx)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("save and load", func(t *testing.T) {
		var saved []byte
		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return isDoc(in.Bucket, in.Key)
		})).Run(func(args mock.Arguments) {
			saved, _ = io.ReadAll(args.Get(1).(*s3.PutObjectInput).Body)
		}).Return(&s3.PutObjectOutput{}, nil).Once()
		client.On("GetObject", mock.Anything, mock.Anything).Return(&s3.GetObjectOutput{
			Body: io.NopCloser(strings.NewReader(`{"5": 50}`)),
		}, nil).Once()

		require.NoError(t, store.Save(ctx, []byte(`{"5": 50}`)))
		assert.Equal(t, `{"5": 50}`, string(saved))
		data, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, `{"5": 50}`, string(data))
	})

	t.Run("transport error", func(t *testing.T) {
		cause := errors.New("connection reset")
		client.On("GetObject", mock.Anything, mock.Anything).Return(nil, cause).Once()

		_, err := store.Load(ctx)
		assert.Equal(t, cause, err)
	})

	client.AssertExpectations(t)
}

func TestRemoteStoresRequireClient(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{Key: "k"})
	assert.Equal(t, ErrNilClient, err)
	_, err = NewS3Store(nil, "b", "p", "n")
	assert.Equal(t, ErrNilClient, err)
	_, err = NewMinioStore(nil, "b", "p", "n")
	assert.Equal(t, ErrNilClient, err)
	_, err = NewSQLiteStore(nil, "n")
	assert.Equal(t, ErrNilClient, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     StoreConfig
		check   func(t *testing.T, s Store)
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  StoreConfig{Backend: BackendMemory},
			check: func(t *testing.T, s Store) {
				assert.IsType(t, &MemoryStore{}, s)
			},
		},
		{
			name: "file is the default",
			cfg:  StoreConfig{Namespace: "Bikes", Dir: dir},
			check: func(t *testing.T, s Store) {
				fs, ok := s.(*FileStore)
				require.True(t, ok)
				assert.Equal(t, filepath.Join(dir, "Bikes.json"), fs.Path())
			},
		},
		{
			name: "file extension follows codec",
			cfg:  StoreConfig{Backend: BackendFile, Namespace: "Bikes", Dir: dir, Codec: "msgpack"},
			check: func(t *testing.T, s Store) {
				assert.Equal(t, filepath.Join(dir, "Bikes.msgpack"), s.(*FileStore).Path())
			},
		},
		{
			name: "sqlite",
			cfg:  StoreConfig{Backend: BackendSQLite, Namespace: "Bikes", SQLiteDSN: filepath.Join(dir, "memo.db")},
			check: func(t *testing.T, s Store) {
				assert.IsType(t, &SQLiteStore{}, s)
			},
		},
		{
			name:    "unknown",
			cfg:     StoreConfig{Backend: "tape"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := OpenStore(ctx, tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			tt.check(t, s)
		})
	}
}

func TestOpenStoreSQLiteCreatesDirectory(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	ctx := context.Background()

	s, err := OpenStore(ctx, StoreConfig{Backend: BackendSQLite, Namespace: "Bikes", SQLiteDSN: "file:.temp/ratefit.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Save(ctx, []byte(`{"1": 2}`)))
	_, err = os.Stat(filepath.Join(".temp", "ratefit.db"))
	assert.NoError(t, err)
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{dsn: "file:.temp/ratefit.db", want: ".temp/ratefit.db"},
		{dsn: "file:/var/lib/ratefit/memo.db?_pragma=busy_timeout(5000)", want: "/var/lib/ratefit/memo.db"},
		{dsn: "memo.db", want: "memo.db"},
		{dsn: ":memory:", want: ""},
		{dsn: "file::memory:?cache=shared", want: ""},
		{dsn: "file:memo.db?mode=memory", want: ""},
		{dsn: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sqlitePath(tt.dsn), tt.dsn)
	}
}

func TestOpenRejectsUnknownCodec(t *testing.T) {
	_, err := Open(context.Background(), StoreConfig{Backend: BackendMemory, Codec: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}
