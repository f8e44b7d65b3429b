// Package redis stores streams in Redis. Non-terminal records carry an
// expiry that is pushed out on every write once it drops below a threshold,
// so abandoned streams age out while live ones stay resident.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/domain"
)

const defaultPrefix = "fluxora"

// Options configures the Redis store.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key (default "fluxora").
	Prefix string
	// TTLThreshold and TTLExtendTo drive lifetime extension of non-terminal
	// records. A zero TTLExtendTo disables expiry.
	TTLThreshold time.Duration
	TTLExtendTo  time.Duration
}

// Store implements app.StreamStore on Redis with optimistic
// WATCH/MULTI/EXEC transactions.
type Store struct {
	client *goredis.Client
	keys   keys
	opts   Options
}

var _ app.StreamStore = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", opts.Addr)
	}
	return &Store{client: client, keys: keys{prefix: opts.Prefix}, opts: opts}, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Update runs fn against a watched snapshot. Writes are buffered and applied
// in one MULTI/EXEC; if a watched key changed meanwhile nothing is applied and
// the error wraps goredis.TxFailedErr. The call is not retried because fn may
// already have moved tokens.
func (s *Store) Update(ctx context.Context, fn func(app.StreamTx) error) error {
	err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
		t := s.newTx(ctx, rtx, false)
		t.watch = func(keys ...string) error { return rtx.Watch(ctx, keys...).Err() }
		if err := fn(t); err != nil {
			return err
		}
		if len(t.writes) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, key := range t.order {
				w := t.writes[key]
				switch {
				case w.keepTTL:
					pipe.Set(ctx, key, w.value, goredis.KeepTTL)
				default:
					pipe.Set(ctx, key, w.value, w.expiry)
				}
			}
			return nil
		})
		return err
	}, s.keys.config(), s.keys.nextID())
	if errors.Is(err, goredis.TxFailedErr) {
		return errors.Wrap(err, "redis: concurrent modification")
	}
	return err
}

// View runs fn with direct reads; writes are rejected.
func (s *Store) View(ctx context.Context, fn func(app.StreamTx) error) error {
	return fn(s.newTx(ctx, s.client, true))
}

type reader interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	PTTL(ctx context.Context, key string) *goredis.DurationCmd
}

type write struct {
	value   string
	expiry  time.Duration
	keepTTL bool
}

type tx struct {
	ctx      context.Context
	r        reader
	keys     keys
	opts     Options
	readOnly bool
	watch    func(keys ...string) error
	writes   map[string]write
	order    []string
}

func (s *Store) newTx(ctx context.Context, r reader, readOnly bool) *tx {
	return &tx{
		ctx:      ctx,
		r:        r,
		keys:     s.keys,
		opts:     s.opts,
		readOnly: readOnly,
		watch:    func(...string) error { return nil },
		writes:   make(map[string]write),
	}
}

// get returns the buffered value if this transaction wrote key, else the
// stored one.
func (t *tx) get(key string) (string, bool, error) {
	if w, ok := t.writes[key]; ok {
		return w.value, true, nil
	}
	v, err := t.r.Get(t.ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis get %s", key)
	}
	return v, true, nil
}

func (t *tx) put(key string, w write) error {
	if t.readOnly {
		return errors.New("redis: write in read-only transaction")
	}
	if _, seen := t.writes[key]; !seen {
		t.order = append(t.order, key)
	}
	t.writes[key] = w
	return nil
}

func (t *tx) HasConfig() (bool, error) {
	_, ok, err := t.get(t.keys.config())
	return ok, err
}

func (t *tx) Config() (*domain.Config, error) {
	v, ok, err := t.get(t.keys.config())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotInitialized
	}
	var cfg domain.Config
	if err := json.Unmarshal([]byte(v), &cfg); err != nil {
		return nil, errors.Wrap(err, "redis decode config")
	}
	return &cfg, nil
}

func (t *tx) PutConfig(cfg domain.Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return errors.WithStack(err)
	}
	return t.put(t.keys.config(), write{value: string(b)})
}

// AllocateID reads and bumps the counter inside the transaction instead of
// using INCR, so an aborted transaction does not consume an id.
func (t *tx) AllocateID() (uint64, error) {
	id := uint64(1)
	v, ok, err := t.get(t.keys.nextID())
	if err != nil {
		return 0, err
	}
	if ok {
		if id, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, errors.Wrapf(err, "redis parse next id %q", v)
		}
	}
	if id == ^uint64(0) {
		return 0, errors.Wrap(domain.ErrOverflow, "stream id space exhausted")
	}
	if err := t.put(t.keys.nextID(), write{value: strconv.FormatUint(id+1, 10)}); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *tx) Get(id uint64) (*domain.Stream, error) {
	key := t.keys.stream(id)
	if err := t.watch(key); err != nil {
		return nil, errors.Wrapf(err, "redis watch %s", key)
	}
	v, ok, err := t.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "stream %d", id)
	}
	var s domain.Stream
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, errors.Wrapf(err, "redis decode stream %d", id)
	}
	return &s, nil
}

func (t *tx) Put(s *domain.Stream) error {
	if s == nil {
		return errors.New("redis: stream is nil")
	}
	key := t.keys.stream(s.ID)
	b, err := json.Marshal(s)
	if err != nil {
		return errors.WithStack(err)
	}
	w := write{value: string(b), keepTTL: true}
	if !s.Status.Terminal() && t.opts.TTLExtendTo > 0 {
		current, err := t.r.PTTL(t.ctx, key).Result()
		if err != nil {
			return errors.Wrapf(err, "redis pttl %s", key)
		}
		if exp, extend := nextExpiry(current, t.opts.TTLThreshold, t.opts.TTLExtendTo); extend {
			w = write{value: string(b), expiry: exp}
		}
	}
	return t.put(key, w)
}

// nextExpiry decides whether a write must reset the key's lifetime.
// current is the PTTL reply: negative when the key is missing or has no
// expiry.
func nextExpiry(current, threshold, extendTo time.Duration) (time.Duration, bool) {
	if extendTo <= 0 {
		return 0, false
	}
	if current < 0 || current < threshold {
		return extendTo, true
	}
	return 0, false
}

type keys struct {
	prefix string
}

func (k keys) stream(id uint64) string { return k.prefix + ":stream:" + strconv.FormatUint(id, 10) }
func (k keys) config() string          { return k.prefix + ":config" }
func (k keys) nextID() string          { return k.prefix + ":next_stream_id" }
