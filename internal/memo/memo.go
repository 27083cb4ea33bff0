// Package memo caches an expensive scalar function and persists every
// measured point, so repeated calibrations never pay twice for the same input.
//
// The whole cache is one Document, loaded lazily on first use and rewritten
// after every miss. A Store decides where the document lives and a Codec how
// it is encoded.
package memo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrPersistenceFailed is returned alongside a freshly computed value when
	// the document could not be written. The value stays cached in memory.
	ErrPersistenceFailed = errors.New("memo: persistence failed")

	// ErrInvalidInput is returned for NaN or infinite inputs, which have no
	// stable key.
	ErrInvalidInput = errors.New("memo: input is not a finite number")
)

// Func is the signature of the memoized function.
type Func func(ctx context.Context, x float64) (float64, error)

// Key returns the canonical cache key for x: the shortest decimal string
// that parses back to x. Negative zero maps to the key of zero.
func Key(x float64) (string, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, x)
	}
	if x == 0 {
		x = 0
	}
	return strconv.FormatFloat(x, 'g', -1, 64), nil
}

// Hooks receives cache events, typically to feed metrics. Implementations
// must be cheap and non-blocking.
type Hooks interface {
	Hit()
	Miss()
	Persisted(entries int, err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) Hit()                 {}
func (NopHooks) Miss()                {}
func (NopHooks) Persisted(int, error) {}

// Option configures a Memoizer.
type Option func(*Memoizer)

// WithCodec sets the document codec. JSON is used by default.
func WithCodec(c Codec) Option {
	return func(m *Memoizer) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Memoizer) {
		if l != nil {
			m.logger = l.Named("memo")
		}
	}
}

// WithHooks registers event hooks.
func WithHooks(h Hooks) Option {
	return func(m *Memoizer) {
		if h != nil {
			m.hooks = h
		}
	}
}

// Memoizer caches results of a Func in a persisted Document.
//
// A single mutex serializes loading, lookup-insert and persisting, so
// concurrent misses on distinct inputs all end up in the stored document.
// The wrapped function runs outside the lock; concurrent misses on the same
// input share one call.
type Memoizer struct {
	store  Store
	codec  Codec
	logger *zap.Logger
	hooks  Hooks

	mu     sync.Mutex
	loaded bool
	doc    Document

	group singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	writes      atomic.Int64
	writeErrors atomic.Int64
}

// New creates a Memoizer backed by store. Nothing is read until first use.
func New(store Store, opts ...Option) *Memoizer {
	m := &Memoizer{
		store:  store,
		codec:  JSONCodec{},
		logger: zap.NewNop(),
		hooks:  NopHooks{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns fn with memoization applied. All functions wrapped by the
// same Memoizer share one document, so wrap a single measure per Memoizer.
func (m *Memoizer) Wrap(fn Func) Func {
	return func(ctx context.Context, x float64) (float64, error) {
		return m.call(ctx, fn, x)
	}
}

func (m *Memoizer) call(ctx context.Context, fn Func, x float64) (float64, error) {
	key, err := Key(x)
	if err != nil {
		return 0, err
	}

	if v, ok, err := m.lookup(ctx, key); err != nil {
		return 0, err
	} else if ok {
		m.hits.Add(1)
		m.hooks.Hit()
		return v, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// A flight for the same key may have completed since the lookup.
		if v, ok, _ := m.lookup(ctx, key); ok {
			return v, nil
		}

		m.misses.Add(1)
		m.hooks.Miss()
		m.logger.Debug("Cache miss", zap.String("key", key))

		v, err := fn(ctx, x)
		if err != nil {
			return 0.0, err
		}
		return v, m.insert(ctx, key, v)
	})
	return v.(float64), err
}

func (m *Memoizer) lookup(ctx context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoaded(ctx); err != nil {
		return 0, false, err
	}
	v, ok := m.doc[key]
	return v, ok, nil
}

// insert stores the value and rewrites the whole document.
func (m *Memoizer) insert(ctx context.Context, key string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		m.logger.Warn("Not caching non-finite value", zap.String("key", key), zap.Float64("value", v))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.doc[key] = v
	entries := len(m.doc)

	// The value has already been paid for; persist it even if the caller
	// has given up.
	err := m.persist(context.WithoutCancel(ctx))
	m.hooks.Persisted(entries, err)
	if err != nil {
		m.writeErrors.Add(1)
		m.logger.Error("Failed to persist cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	m.writes.Add(1)
	return nil
}

func (m *Memoizer) persist(ctx context.Context) error {
	data, err := m.codec.Encode(m.doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.codec.Name(), err)
	}
	return m.store.Save(ctx, data)
}

// ensureLoaded reads the stored document once. A missing, unreadable or
// corrupt document starts an empty cache. Must be called with mu held.
func (m *Memoizer) ensureLoaded(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	data, err := m.store.Load(ctx)
	switch {
	case err == nil:
		doc, derr := m.codec.Decode(data)
		if derr != nil {
			m.logger.Warn("Ignoring corrupt cache document", zap.String("codec", m.codec.Name()), zap.Error(derr))
			doc = nil
		}
		m.doc = m.canonicalize(doc)
	case errors.Is(err, ErrNotFound):
		m.logger.Debug("No cache document yet")
	default:
		if ctx.Err() != nil {
			// Cancelled before anything was read; try again next time.
			return ctx.Err()
		}
		m.logger.Warn("Failed to load cache document", zap.Error(err))
	}

	if m.doc == nil {
		m.doc = Document{}
	}
	m.loaded = true
	m.logger.Debug("Cache loaded", zap.Int("entries", len(m.doc)))
	return nil
}

// canonicalize rewrites keys written in another float format, such as
// "100000.0" or "1e5", to Key's form so they can be hit. An entry already
// under its canonical key wins over rewritten ones. Keys that are not
// finite numbers are dropped.
func (m *Memoizer) canonicalize(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		x, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil {
			m.logger.Warn("Dropping cache entry with invalid key", zap.String("key", k))
			continue
		}
		key, err := Key(x)
		if err != nil {
			m.logger.Warn("Dropping cache entry with invalid key", zap.String("key", k))
			continue
		}
		if _, exists := out[key]; exists && key != k {
			continue
		}
		out[key] = v
	}
	return out
}

// Entries returns a copy of the cached document.
func (m *Memoizer) Entries(ctx context.Context) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make(Document, len(m.doc))
	for k, v := range m.doc {
		out[k] = v
	}
	return out, nil
}

// Point is one cached input and its measured value.
type Point struct {
	X     float64 `json:"x"`
	Value float64 `json:"value"`
}

// Points returns the cached entries ordered by input. Keys that do not parse
// as numbers are skipped.
func (m *Memoizer) Points(ctx context.Context) ([]Point, error) {
	doc, err := m.Entries(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(doc))
	for k, v := range doc {
		x, err := strconv.ParseFloat(k, 64)
		if err != nil {
			continue
		}
		points = append(points, Point{X: x, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].X < points[j].X })
	return points, nil
}

// Stats counts cache activity since the Memoizer was created.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Writes      int64 `json:"writes"`
	WriteErrors int64 `json:"write_errors"`
}

// Stats returns a snapshot of the counters. Entries is zero until the
// document has been loaded.
func (m *Memoizer) Stats() Stats {
	m.mu.Lock()
	entries := len(m.doc)
	m.mu.Unlock()
	return Stats{
		Entries:     entries,
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		Writes:      m.writes.Load(),
		WriteErrors: m.writeErrors.Load(),
	}
}

// Close closes the underlying store.
func (m *Memoizer) Close() error {
	return m.store.Close()
}
