// Package memstore 进程内的 store.Store 实现.
//
// 记录保存在并发 map 中, 每个二级索引是一棵 B 树. 物理 TTL 采用惰性删除:
// 过期记录在下一次访问或范围查询时被清除. 适用于测试和单机部署.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/haiyiyun/kvsession/internal/logging"
	"github.com/haiyiyun/kvsession/store"
)

var plog = logger.GetLogger(logging.MemStore)

const btreeDegree = 32

// ----------------------------------------------------------------------------
// 索引

// item 索引项, 先按值再按 key 排序
type item struct {
	score int64
	key   string
}

func (a item) Less(than btree.Item) bool {
	b := than.(item)
	if a.score != b.score {
		return a.score < b.score
	}
	return a.key < b.key
}

type index struct {
	name string
	bin  string

	mu   sync.Mutex
	tree *btree.BTree
}

func newIndex(name, bin string) *index {
	return &index{name: name, bin: bin, tree: btree.New(btreeDegree)}
}

// update 将 key 的索引项从 old 改为 cur (不是 int64 的值视为不在索引中)
func (ix *index) update(key string, old, cur interface{}) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if v, ok := old.(int64); ok {
		ix.tree.Delete(item{score: v, key: key})
	}
	if v, ok := cur.(int64); ok {
		ix.tree.ReplaceOrInsert(item{score: v, key: key})
	}
}

// indexSet 不可变的索引集合, 创建索引时整体替换
type indexSet struct {
	all    []*index
	byBin  map[string]*index
	byName map[string]*index
}

func (set *indexSet) with(ix *index) *indexSet {
	next := &indexSet{
		all:    append(append([]*index(nil), set.all...), ix),
		byBin:  make(map[string]*index, len(set.byBin)+1),
		byName: make(map[string]*index, len(set.byName)+1),
	}
	for k, v := range set.byBin {
		next.byBin[k] = v
	}
	for k, v := range set.byName {
		next.byName[k] = v
	}
	next.byBin[ix.bin] = ix
	next.byName[ix.name] = ix
	return next
}

func (ix *index) keys(begin, end int64) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []string
	ix.tree.AscendGreaterOrEqual(item{score: begin}, func(i btree.Item) bool {
		it := i.(item)
		if it.score > end {
			return false
		}
		out = append(out, it.key)
		return true
	})
	return out
}

// ----------------------------------------------------------------------------
// 存储

// entry 记录的不可变版本, 每次写入都替换为新 entry
type entry struct {
	bins     map[string]interface{}
	deadline time.Time // 零值表示不过期
}

func (e *entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// Option 配置选项
type Option func(*Store)

// WithRecordTTL 设置记录的物理 TTL, 每次写入和读取都会续期, 0 表示不过期
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithClock 替换时钟, 用于测试
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store 进程内存储
// 锁顺序: mu (仅 CreateIndex) -> 记录所在桶 -> index.mu.
// 记录回调中只通过原子指针读取索引集合, 不获取 mu.
type Store struct {
	records *xsync.MapOf[string, *entry]

	mu     sync.Mutex
	idx    atomic.Pointer[indexSet]
	ttl    time.Duration
	now    func() time.Time
	closed atomic.Bool
}

var _ store.Store = (*Store)(nil)

// New 创建空存储
func New(opts ...Option) *Store {
	s := &Store{
		records: xsync.NewMapOf[string, *entry](),
		now:     time.Now,
	}
	s.idx.Store(&indexSet{byBin: map[string]*index{}, byName: map[string]*index{}})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) deadline() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

func (s *Store) indexes() []*index {
	return s.idx.Load().all
}

// unindex 从所有索引中移除记录
func (s *Store) unindex(key string, e *entry) {
	for _, ix := range s.indexes() {
		ix.update(key, e.bins[ix.bin], nil)
	}
}

// load 读取未过期的记录, 过期记录顺带清除
func (s *Store) load(key string) (*entry, bool) {
	e, ok := s.records.Load(key)
	if !ok {
		return nil, false
	}
	if !e.expired(s.now()) {
		return e, true
	}
	s.records.Compute(key, func(cur *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		if cur.expired(s.now()) {
			s.unindex(key, cur)
			return nil, true
		}
		return cur, false
	})
	return nil, false
}

func (s *Store) HasKey(ctx context.Context, key string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	_, ok := s.load(key)
	return ok, nil
}

func (s *Store) Persist(ctx context.Context, key string, bins ...store.Bin) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, b := range bins {
		if err := b.Validate(); err != nil {
			return err
		}
	}

	s.records.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		// 在回调内读取索引集合: 与 CreateIndex 的回填按 key 串行
		indexes := s.indexes()
		if loaded && old.expired(s.now()) {
			s.unindex(key, old)
			loaded = false
		}
		next := &entry{bins: make(map[string]interface{}, len(bins)), deadline: s.deadline()}
		if loaded {
			for k, v := range old.bins {
				next.bins[k] = v
			}
		}
		for _, b := range bins {
			if b.Value == nil {
				delete(next.bins, b.Name)
				continue
			}
			if v, ok := b.Value.([]byte); ok {
				b.Value = append([]byte(nil), v...)
			}
			next.bins[b.Name] = b.Value
		}
		for _, ix := range indexes {
			var prev interface{}
			if loaded {
				prev = old.bins[ix.bin]
			}
			ix.update(key, prev, next.bins[ix.bin])
		}
		return next, false
	})
	return nil
}

func (s *Store) Fetch(ctx context.Context, key string) (*store.Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	e, ok := s.load(key)
	if !ok {
		return nil, nil
	}
	if s.ttl > 0 {
		// 读取续期
		e, ok = s.records.Compute(key, func(cur *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return nil, true
			}
			return &entry{bins: cur.bins, deadline: s.deadline()}, false
		})
		if !ok {
			return nil, nil
		}
	}

	rec := &store.Record{Key: key, Bins: make(map[string]interface{}, len(e.bins))}
	for k, v := range e.bins {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		rec.Bins[k] = v
	}
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.records.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if loaded {
			s.unindex(key, old)
		}
		return nil, true
	})
	return nil
}

func (s *Store) CreateIndex(ctx context.Context, bin, name string, typ store.IndexType) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if typ != store.IndexNumeric {
		return errors.Wrapf(store.ErrUnsupportedIndex, "index %s on %s: %s", name, bin, typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.idx.Load()
	if ix, ok := set.byName[name]; ok {
		if ix.bin != bin {
			return errors.Wrapf(store.ErrIndexConflict, "index %s is on bin %s, not %s", name, ix.bin, bin)
		}
		plog.Debugf("index %s already exists", name)
		return nil
	}
	if ix, ok := set.byBin[bin]; ok {
		return errors.Wrapf(store.ErrIndexConflict, "bin %s already indexed as %s", bin, ix.name)
	}

	// 先发布再回填: 发布之后的写入自行维护新索引, 之前写入的记录由回填补上
	ix := newIndex(name, bin)
	s.idx.Store(set.with(ix))
	s.records.Range(func(key string, _ *entry) bool {
		s.records.Compute(key, func(cur *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return nil, true
			}
			ix.update(key, nil, cur.bins[bin])
			return cur, false
		})
		return true
	})
	plog.Infof("created index %s on bin %s", name, bin)
	return nil
}

func (s *Store) FetchRange(ctx context.Context, idBin, indexedBin string, begin, end int64) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	ix, ok := s.idx.Load().byBin[indexedBin]
	if !ok {
		return nil, errors.Errorf("memstore: no index on bin %s", indexedBin)
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, key := range ix.keys(begin, end) {
		e, ok := s.load(key)
		if !ok {
			continue
		}
		id, ok := (&store.Record{Bins: e.bins}).String(idBin)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.records.Range(func(key string, _ *entry) bool {
		s.records.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
			if loaded {
				s.unindex(key, old)
			}
			return nil, true
		})
		return true
	})
	return nil
}

// Len 返回记录数 (包括尚未清除的过期记录)
func (s *Store) Len() int {
	return s.records.Size()
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
