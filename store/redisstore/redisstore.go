// Package redisstore 基于 Redis 的 store.Store 实现.
//
// 布局:
//
//	{ns}:{set}:{key}          记录, hash, 每个字段一个 hash field
//	{ns}:{set}:__idx:{name}   二级索引, sorted set, member 为记录 key, score 为字段值
//	{ns}:{set}:__indexes      索引登记表, hash, 索引名 -> 字段名
//
// 记录和索引在同一个 MULTI/EXEC 中更新. 记录因物理 TTL 消失后残留的索引项
// 在范围查询时清除.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	"github.com/haiyiyun/kvsession/internal/logging"
	"github.com/haiyiyun/kvsession/store"
)

var plog = logger.GetLogger(logging.RedisStore)

const (
	DefaultNamespace = "cache"
	DefaultSetName   = "httpsession"
	DefaultOpTimeout = 5 * time.Second

	scanCount = 200
)

// Option 配置选项
type Option func(*Store)

func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

func WithSetName(set string) Option {
	return func(s *Store) {
		s.setName = set
	}
}

// WithOpTimeout 单次存储操作的超时时间, 0 表示只使用调用方的 ctx
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.opTimeout = d
	}
}

// WithRecordTTL 记录的物理 TTL, 每次写入和读取都会续期, 0 表示不设置
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.recordTTL = ttl
	}
}

// Store Redis 存储
type Store struct {
	client    redis.UniversalClient
	owned     bool // Close 时是否关闭 client
	namespace string
	setName   string
	opTimeout time.Duration
	recordTTL time.Duration

	indexes *xsync.MapOf[string, string] // 字段名 -> 索引名
}

var _ store.Store = (*Store)(nil)

// New 使用已有的 Redis 客户端创建存储, Close 不会关闭该客户端
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		namespace: DefaultNamespace,
		setName:   DefaultSetName,
		opTimeout: DefaultOpTimeout,
		indexes:   xsync.NewMapOf[string, string](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial 连接 Redis 并检查连通性, 返回的存储拥有该连接
func Dial(ctx context.Context, redisOpts *redis.Options, opts ...Option) (*Store, error) {
	client := redis.NewClient(redisOpts)
	s := New(client, opts...)
	s.owned = true

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, store.Transport("ping", redisOpts.Addr, err)
	}
	plog.Infof("connected to redis at %s (namespace=%s, set=%s)", redisOpts.Addr, s.namespace, s.setName)
	return s, nil
}

// ----------------------------------------------------------------------------
// key 布局

func (s *Store) prefix() string {
	return s.namespace + ":" + s.setName + ":"
}

func (s *Store) recordKey(key string) string {
	return s.prefix() + key
}

func (s *Store) indexKey(name string) string {
	return s.prefix() + "__idx:" + name
}

func (s *Store) registryKey() string {
	return s.prefix() + "__indexes"
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func observe(op string, start time.Time, err error) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`kvsession_redisstore_op_duration_seconds{op=%q}`, op)).UpdateDuration(start)
	if err != nil {
		metrics.GetOrCreateCounter(fmt.Sprintf(`kvsession_redisstore_errors_total{op=%q}`, op)).Inc()
	}
}

// ----------------------------------------------------------------------------
// store.Store

func (s *Store) HasKey(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { observe("exists", start, err) }(time.Now())
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, s.recordKey(key)).Result()
	if err != nil {
		return false, store.Transport("exists", key, err)
	}
	return n > 0, nil
}

func (s *Store) Persist(ctx context.Context, key string, bins ...store.Bin) (err error) {
	defer func(start time.Time) { observe("persist", start, err) }(time.Now())
	for _, b := range bins {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rk := s.recordKey(key)
	var (
		values  []interface{}
		removed []string
	)
	for _, b := range bins {
		if b.Value == nil {
			removed = append(removed, b.Name)
			continue
		}
		values = append(values, b.Name, b.Value)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(values) > 0 {
			pipe.HSet(ctx, rk, values...)
		}
		if len(removed) > 0 {
			pipe.HDel(ctx, rk, removed...)
		}
		for _, b := range bins {
			name, ok := s.indexes.Load(b.Name)
			if !ok {
				continue
			}
			if v, ok := b.Value.(int64); ok {
				pipe.ZAdd(ctx, s.indexKey(name), redis.Z{Score: float64(v), Member: key})
			} else {
				pipe.ZRem(ctx, s.indexKey(name), key)
			}
		}
		if s.recordTTL > 0 {
			pipe.Expire(ctx, rk, s.recordTTL)
		}
		return nil
	})
	return store.Transport("persist", key, err)
}

func (s *Store) Fetch(ctx context.Context, key string) (rec *store.Record, err error) {
	defer func(start time.Time) { observe("fetch", start, err) }(time.Now())
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rk := s.recordKey(key)
	var get *redis.MapStringStringCmd
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGetAll(ctx, rk)
		if s.recordTTL > 0 {
			// 读取续期, key 不存在时 EXPIRE 无副作用
			pipe.Expire(ctx, rk, s.recordTTL)
		}
		return nil
	})
	if err != nil {
		return nil, store.Transport("fetch", key, err)
	}

	fields := get.Val()
	if len(fields) == 0 {
		return nil, nil
	}
	rec = &store.Record{Key: key, Bins: make(map[string]interface{}, len(fields))}
	for k, v := range fields {
		rec.Bins[k] = v
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { observe("delete", start, err) }(time.Now())
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(key))
		s.indexes.Range(func(_, name string) bool {
			pipe.ZRem(ctx, s.indexKey(name), key)
			return true
		})
		return nil
	})
	return store.Transport("delete", key, err)
}

func (s *Store) CreateIndex(ctx context.Context, bin, name string, typ store.IndexType) (err error) {
	defer func(start time.Time) { observe("create_index", start, err) }(time.Now())
	if typ != store.IndexNumeric {
		return errors.Wrapf(store.ErrUnsupportedIndex, "index %s on %s: %s", name, bin, typ)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	created, err := s.client.HSetNX(ctx, s.registryKey(), name, bin).Result()
	if err != nil {
		return store.Transport("create_index", name, err)
	}
	if !created {
		existing, err := s.client.HGet(ctx, s.registryKey(), name).Result()
		if err != nil {
			return store.Transport("create_index", name, err)
		}
		if existing != bin {
			return errors.Wrapf(store.ErrIndexConflict, "index %s is on bin %s, not %s", name, existing, bin)
		}
		plog.Debugf("index %s already exists", name)
	} else {
		plog.Infof("created index %s on bin %s", name, bin)
	}
	s.indexes.Store(bin, name)
	return nil
}

// indexFor 查找字段上的索引, 本地未知时从登记表加载
func (s *Store) indexFor(ctx context.Context, bin string) (string, error) {
	if name, ok := s.indexes.Load(bin); ok {
		return name, nil
	}
	all, err := s.client.HGetAll(ctx, s.registryKey()).Result()
	if err != nil {
		return "", store.Transport("load_indexes", "", err)
	}
	for name, b := range all {
		s.indexes.LoadOrStore(b, name)
	}
	if name, ok := s.indexes.Load(bin); ok {
		return name, nil
	}
	return "", errors.Errorf("redisstore: no index on bin %s", bin)
}

func (s *Store) FetchRange(ctx context.Context, idBin, indexedBin string, begin, end int64) (ids []string, err error) {
	defer func(start time.Time) { observe("fetch_range", start, err) }(time.Now())
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	name, err := s.indexFor(ctx, indexedBin)
	if err != nil {
		return nil, err
	}
	ik := s.indexKey(name)
	keys, err := s.client.ZRangeByScore(ctx, ik, &redis.ZRangeBy{
		Min: strconv.FormatInt(begin, 10),
		Max: strconv.FormatInt(end, 10),
	}).Result()
	if err != nil {
		return nil, store.Transport("fetch_range", name, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGet(ctx, s.recordKey(k), idBin)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Transport("fetch_range", name, err)
	}

	seen := make(map[string]struct{}, len(keys))
	var stale []string
	for i, cmd := range cmds {
		id, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, keys[i])
			continue
		}
		if err != nil {
			return nil, store.Transport("fetch_range", keys[i], err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if len(stale) > 0 {
		s.prune(ctx, name, idBin, stale)
	}
	return ids, nil
}

// pruneScript 记录没有 id 字段时删除记录本身和它的索引项.
// 写入与清理竞争时可能留下只有部分字段的记录, 没有物理 TTL 时它不会自行消失.
var pruneScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	redis.call('DEL', KEYS[1])
	return redis.call('ZREM', KEYS[2], ARGV[2])
end
return 0
`)

func (s *Store) prune(ctx context.Context, name, idBin string, stale []string) {
	ik := s.indexKey(name)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range stale {
			pruneScript.Eval(ctx, pipe, []string{s.recordKey(k), ik}, idBin, k)
		}
		return nil
	})
	if err != nil {
		plog.Warningf("unable to prune %d stale members of index %s: %v", len(stale), name, err)
		return
	}
	plog.Debugf("pruned %d stale members of index %s", len(stale), name)
}

func (s *Store) DeleteAll(ctx context.Context) (err error) {
	defer func(start time.Time) { observe("delete_all", start, err) }(time.Now())

	registry := s.registryKey()
	var cursor uint64
	deleted := 0
	for {
		sctx, cancel := s.withTimeout(ctx)
		keys, next, err := s.client.Scan(sctx, cursor, s.prefix()+"*", scanCount).Result()
		if err == nil {
			victims := keys[:0]
			for _, k := range keys {
				if k != registry {
					victims = append(victims, k)
				}
			}
			if len(victims) > 0 {
				err = s.client.Del(sctx, victims...).Err()
				deleted += len(victims)
			}
		}
		cancel()
		if err != nil {
			return store.Transport("delete_all", s.prefix(), err)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	plog.Infof("deleted %d keys under %s", deleted, s.prefix())
	return nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
