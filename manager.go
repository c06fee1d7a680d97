package kvsession

import (
	"context"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/haiyiyun/kvsession/codec"
	"github.com/haiyiyun/kvsession/internal/logging"
	"github.com/haiyiyun/kvsession/marshal"
	"github.com/haiyiyun/kvsession/store"
)

var plog = logger.GetLogger(logging.Root)

// TransientAttribute 值为 true 的会话不会被保存
const TransientAttribute = "transient"

var (
	savesOK      = metrics.GetOrCreateCounter(`kvsession_saves_total{result="ok"}`)
	savesError   = metrics.GetOrCreateCounter(`kvsession_saves_total{result="error"}`)
	savesSkipped = metrics.GetOrCreateCounter(`kvsession_saves_total{result="skipped"}`)
	saveSeconds  = metrics.GetOrCreateHistogram("kvsession_save_duration_seconds")
	getsNotFound = metrics.GetOrCreateCounter(`kvsession_gets_total{result="not_found"}`)
	getsOK       = metrics.GetOrCreateCounter(`kvsession_gets_total{result="ok"}`)
)

// sessionManager 会话管理器的具体实现
type sessionManager struct {
	store      store.Store
	config     Config
	registry   *marshal.Registry
	marshaller *marshal.Marshaller
	adapter    recordAdapter
	attrCodec  codec.Codec // 属性值编码, 按配置压缩
	blobCodec  codec.Codec // 属性容器编码, 不压缩
	publisher  EventPublisher
	newID      IDGenerator
	now        func() time.Time

	saves  *pool.Pool   // 异步保存
	mu     sync.RWMutex // 保护 closed, 提交保存时持有读锁
	closed bool
}

// NewManager 创建会话管理器实例.
// 编解码引擎池在返回前预热完毕; 过期时间索引创建失败 (已存在除外) 视为启动失败.
func NewManager(ctx context.Context, st store.Store, options ...Option) (Manager, error) {
	m := &sessionManager{
		store:     st,
		config:    DefaultConfig(),
		publisher: nopPublisher{},
		newID:     UUIDGenerator,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	if err := m.config.Validate(); err != nil {
		return nil, err
	}

	var err error
	m.attrCodec, err = codec.New(codec.Config{
		Family:         m.config.Codec,
		Compression:    m.config.Compression,
		PoolSize:       m.config.EnginePoolSize,
		AcquireTimeout: m.config.EngineAcquireTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build attribute codec")
	}
	m.blobCodec, err = codec.New(codec.Config{
		Family:         m.config.Codec,
		Compression:    codec.CompressionNone,
		PoolSize:       m.config.EnginePoolSize,
		AcquireTimeout: m.config.EngineAcquireTimeout,
	})
	if err != nil {
		_ = m.attrCodec.Close()
		return nil, errors.Wrap(err, "build container codec")
	}
	if m.registry != nil {
		m.marshaller = marshal.NewWithRegistry(m.attrCodec, m.blobCodec, m.registry)
	} else {
		m.marshaller = marshal.New(m.attrCodec, m.blobCodec)
	}
	m.adapter = recordAdapter{marshaller: m.marshaller}

	indexName := m.config.ExpiredIndexName()
	if err := st.CreateIndex(ctx, store.FieldExpired, indexName, store.IndexNumeric); err != nil {
		_ = m.closeCodecs()
		return nil, errors.Wrapf(err, "create index %s", indexName)
	}

	m.saves = pool.New().WithMaxGoroutines(m.config.SaveWorkers)
	plog.Infof("session manager ready (set=%s, codec=%s, interval=%s, workers=%d)",
		m.config.SetName, m.attrCodec.Name(), m.config.MaxInactiveInterval, m.config.SaveWorkers)
	return m, nil
}

func (m *sessionManager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// Create 创建新会话
func (m *sessionManager) Create(ctx context.Context) (Session, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return NewSessionData(m.newID(), m.now(), m.config.MaxInactiveInterval), nil
}

// Save 快照在调用方 goroutine 上生成, 写入在保存池中执行.
// 所有工作者忙碌时提交会阻塞, 从而限制调用方的速度.
func (m *sessionManager) Save(ctx context.Context, s Session) error {
	if isTransient(s) {
		plog.Debugf("session %s is transient - not saved", s.ID())
		savesSkipped.Inc()
		return nil
	}
	snap := s.Snapshot()
	// 请求结束后保存仍需完成, 超时由存储层控制
	ctx = context.WithoutCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.saves.Go(func() {
		if err := m.persist(ctx, snap); err != nil {
			plog.Errorf("async save of session %s failed: %v", snap.ID(), err)
			return
		}
		markSaved(s, snap)
	})
	return nil
}

// SaveSync 同步保存, 成功后清除脏标记
func (m *sessionManager) SaveSync(ctx context.Context, s Session) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if isTransient(s) {
		plog.Debugf("session %s is transient - not saved", s.ID())
		savesSkipped.Inc()
		return nil
	}
	snap := s.Snapshot()
	if err := m.persist(ctx, snap); err != nil {
		return err
	}
	markSaved(s, snap)
	return nil
}

func markSaved(s Session, snap *Snapshot) {
	if sd, ok := s.(*SessionData); ok {
		sd.markSaved(snap.generation)
	}
}

func (m *sessionManager) persist(ctx context.Context, snap *Snapshot) error {
	start := time.Now()
	defer saveSeconds.UpdateDuration(start)

	exists, err := m.store.HasKey(ctx, snap.ID())
	if err != nil {
		// 通信失败按不存在处理, 会重写只在首次保存时写入的字段
		plog.Warningf("unable to check session %s, treating as new: %v", snap.ID(), err)
		exists = false
	}
	bins := m.adapter.bins(snap, !exists)
	if err := m.store.Persist(ctx, snap.ID(), bins...); err != nil {
		savesError.Inc()
		return errors.Wrapf(err, "save session %s", snap.ID())
	}
	savesOK.Inc()
	plog.Debugf("saved session %s (%d bins, first=%t, dirty=%t)", snap.ID(), len(bins), !exists, snap.Dirty())
	return nil
}

// Get 读取会话并更新最后访问时间. 读取失败记录日志后按不存在处理.
func (m *sessionManager) Get(ctx context.Context, sessionID string) (Session, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := m.store.Fetch(ctx, sessionID)
	if err != nil {
		plog.Errorf("unable to fetch session %s: %v", sessionID, err)
		getsNotFound.Inc()
		return nil, ErrNotFound
	}
	if rec == nil {
		getsNotFound.Inc()
		return nil, ErrNotFound
	}
	sd, err := m.adapter.session(rec)
	if err != nil {
		plog.Errorf("unable to load session %s: %v", sessionID, err)
		getsNotFound.Inc()
		return nil, ErrNotFound
	}

	now := m.now()
	if sd.IsExpired(now) {
		plog.Debugf("session %s expired", sessionID)
		getsNotFound.Inc()
		return nil, ErrNotFound
	}
	sd.SetLastAccessedTime(now)
	getsOK.Inc()
	return sd, nil
}

// Destroy 删除会话并发布删除事件, 会话不存在不是错误
func (m *sessionManager) Destroy(ctx context.Context, sessionID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.onDelete(ctx, sessionID)
}

// Close 等待进行中的保存完成后释放编解码引擎
func (m *sessionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.saves.Wait()
	if err := m.closeCodecs(); err != nil {
		return err
	}
	plog.Infof("session manager closed")
	return nil
}

func (m *sessionManager) closeCodecs() error {
	var result *multierror.Error
	for _, c := range []codec.Codec{m.attrCodec, m.blobCodec} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func isTransient(s Session) bool {
	v, ok := s.Get(TransientAttribute)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}
