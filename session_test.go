package kvsession

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/haiyiyun/kvsession/codec"
	"github.com/haiyiyun/kvsession/store"
	"github.com/haiyiyun/kvsession/store/redisstore"
)

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventRecorder 记录删除事件
type eventRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *eventRecorder) PublishSessionDeleted(_ context.Context, e SessionDeletedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, e.ID)
	return nil
}

func (r *eventRecorder) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.ids...)
	sort.Strings(out)
	return out
}

// 测试套件结构体
type SessionTestSuite struct {
	suite.Suite
	ctx     context.Context
	mr      *miniredis.Miniredis
	client  *redis.Client
	store   *redisstore.Store
	clock   *testClock
	events  *eventRecorder
	manager Manager
}

// 初始化测试套件
func (s *SessionTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.store = redisstore.New(s.client, redisstore.WithNamespace("testns"), redisstore.WithOpTimeout(time.Second))
	s.clock = &testClock{now: time.UnixMilli(1700000000000)}
	s.events = &eventRecorder{}
	s.manager = s.newManager()
}

func (s *SessionTestSuite) TearDownTest() {
	s.NoError(s.manager.Close())
	s.NoError(s.client.Close())
}

func (s *SessionTestSuite) newManager(opts ...Option) Manager {
	base := []Option{
		WithClock(s.clock.Now),
		WithEventPublisher(s.events),
		WithSaveWorkers(2),
		WithEnginePool(2, time.Second),
	}
	m, err := NewManager(s.ctx, s.store, append(base, opts...)...)
	s.Require().NoError(err)
	return m
}

func (s *SessionTestSuite) key(id string) string {
	return "testns:httpsession:" + id
}

func (s *SessionTestSuite) saveWith(interval time.Duration, attrs map[string]interface{}) Session {
	sess, err := s.manager.Create(s.ctx)
	s.Require().NoError(err)
	sess.SetMaxInactiveInterval(interval)
	for k, v := range attrs {
		sess.Set(k, v)
	}
	s.Require().NoError(s.manager.SaveSync(s.ctx, sess))
	return sess
}

// 测试创建会话
func (s *SessionTestSuite) TestCreateSession() {
	sess, err := s.manager.Create(s.ctx)
	s.Require().NoError(err)
	s.NotEmpty(sess.ID())
	s.Equal(DefaultMaxInactiveInterval, sess.MaxInactiveInterval())
	s.Equal(s.clock.Now().UnixMilli(), sess.CreationTime().UnixMilli())
	s.False(sess.IsDirty())

	// 创建不会写入存储
	ok, err := s.store.HasKey(s.ctx, sess.ID())
	s.NoError(err)
	s.False(ok)
}

// 保存后读取, 属性与创建时间保持不变
func (s *SessionTestSuite) TestSaveAndGet() {
	sess, err := s.manager.Create(s.ctx)
	s.Require().NoError(err)
	sess.SetMaxInactiveInterval(1800 * time.Second)
	sess.Set("A", "XYZ")
	s.Require().NoError(s.manager.SaveSync(s.ctx, sess))
	s.False(sess.IsDirty())

	s.clock.Advance(time.Minute)
	got, err := s.manager.Get(s.ctx, sess.ID())
	s.Require().NoError(err)
	v, ok := got.Get("A")
	s.True(ok)
	s.Equal("XYZ", v)
	s.Equal(sess.CreationTime().UnixMilli(), got.CreationTime().UnixMilli())
	s.Equal(1800*time.Second, got.MaxInactiveInterval())
	s.Equal(s.clock.Now().UnixMilli(), got.LastAccessedTime().UnixMilli())
	s.False(got.IsDirty())
}

// 首次保存写入的字段
func (s *SessionTestSuite) TestRecordLayout() {
	sess := s.saveWith(time.Minute, map[string]interface{}{"user": "alice"})
	key := s.key(sess.ID())

	s.Equal(sess.ID(), s.mr.HGet(key, store.FieldSessionID))
	s.Equal(fmt.Sprint(sess.CreationTime().UnixMilli()), s.mr.HGet(key, store.FieldCreated))
	s.Equal("60", s.mr.HGet(key, store.FieldMaxInactive))
	s.Equal(fmt.Sprint(s.clock.Now().UnixMilli()), s.mr.HGet(key, store.FieldLastAccessed))
	s.Equal(fmt.Sprint(s.clock.Now().Add(time.Minute).UnixMilli()), s.mr.HGet(key, store.FieldExpired))
	s.NotEmpty(s.mr.HGet(key, store.FieldAttributes))

	score, err := s.mr.ZScore("testns:httpsession:__idx:ei.httpsession", sess.ID())
	s.Require().NoError(err)
	s.Equal(float64(s.clock.Now().Add(time.Minute).UnixMilli()), score)
}

// 未修改属性的会话保存时不重写属性字段
func (s *SessionTestSuite) TestCleanSessionKeepsAttributeBlob() {
	sess := s.saveWith(time.Minute, map[string]interface{}{"user": "alice"})
	key := s.key(sess.ID())

	got, err := s.manager.Get(s.ctx, sess.ID())
	s.Require().NoError(err)
	s.mr.HSet(key, store.FieldAttributes, "sentinel")
	s.clock.Advance(time.Second)

	s.Require().NoError(s.manager.SaveSync(s.ctx, got))
	s.Equal("sentinel", s.mr.HGet(key, store.FieldAttributes))
	s.Equal(fmt.Sprint(s.clock.Now().UnixMilli()), s.mr.HGet(key, store.FieldLastAccessed))
	s.Equal(fmt.Sprint(sess.CreationTime().UnixMilli()), s.mr.HGet(key, store.FieldCreated))

	// 修改后重写
	got.Set("user", "bob")
	s.Require().NoError(s.manager.SaveSync(s.ctx, got))
	s.NotEqual("sentinel", s.mr.HGet(key, store.FieldAttributes))
}

// 属性无法解码时会话仍然可以加载
func (s *SessionTestSuite) TestCorruptAttributesStillLoad() {
	sess := s.saveWith(time.Minute, map[string]interface{}{"user": "alice"})
	s.mr.HSet(s.key(sess.ID()), store.FieldAttributes, "\xc1\xc1\xc1\xc1")

	got, err := s.manager.Get(s.ctx, sess.ID())
	s.Require().NoError(err)
	s.Empty(got.AttributeNames())
	s.Equal(sess.CreationTime().UnixMilli(), got.CreationTime().UnixMilli())
}

// 不可编码的属性被丢弃, 其余属性正常保存
func (s *SessionTestSuite) TestIneligibleAttributeDropped() {
	sess := s.saveWith(time.Minute, map[string]interface{}{
		"ok": "yes",
		"fn": func() {},
	})
	got, err := s.manager.Get(s.ctx, sess.ID())
	s.Require().NoError(err)
	s.Equal([]string{"ok"}, got.AttributeNames())
}

func (s *SessionTestSuite) TestGetMissing() {
	_, err := s.manager.Get(s.ctx, "invalid-id")
	s.True(errors.Is(err, ErrNotFound))
}

func (s *SessionTestSuite) TestGetExpired() {
	sess := s.saveWith(10*time.Second, nil)

	s.clock.Advance(9 * time.Second)
	_, err := s.manager.Get(s.ctx, sess.ID())
	s.NoError(err)

	s.clock.Advance(time.Second)
	_, err = s.manager.Get(s.ctx, sess.ID())
	s.True(errors.Is(err, ErrNotFound))
}

// 读取失败按不存在处理
func (s *SessionTestSuite) TestGetTransportFailure() {
	sess := s.saveWith(time.Minute, nil)
	s.mr.SetError("ERR store unavailable")
	defer s.mr.SetError("")

	_, err := s.manager.Get(s.ctx, sess.ID())
	s.True(errors.Is(err, ErrNotFound))

	// 保存失败返回错误
	err = s.manager.SaveSync(s.ctx, sess)
	s.True(errors.Is(err, store.ErrTransport))
}

// 异步保存在 Close 之前完成
func (s *SessionTestSuite) TestAsyncSave() {
	sess, err := s.manager.Create(s.ctx)
	s.Require().NoError(err)
	sess.Set("A", "XYZ")

	ctx, cancel := context.WithCancel(s.ctx)
	s.Require().NoError(s.manager.Save(ctx, sess))
	cancel()
	s.Require().NoError(s.manager.Close())

	ok, err := s.store.HasKey(s.ctx, sess.ID())
	s.NoError(err)
	s.True(ok)
	s.False(sess.IsDirty())

	s.True(errors.Is(s.manager.Save(s.ctx, sess), ErrManagerClosed))
	_, err = s.manager.Get(s.ctx, sess.ID())
	s.True(errors.Is(err, ErrManagerClosed))

	s.manager = s.newManager()
	got, err := s.manager.Get(s.ctx, sess.ID())
	s.Require().NoError(err)
	v, _ := got.Get("A")
	s.Equal("XYZ", v)
}

// 并发保存
func (s *SessionTestSuite) TestConcurrentSaves() {
	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := 0; i < len(ids); i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sess, err := s.manager.Create(s.ctx)
			if err != nil {
				return
			}
			sess.Set(fmt.Sprintf("key%d", idx), fmt.Sprintf("value%d", idx))
			if s.manager.Save(s.ctx, sess) == nil {
				ids[idx] = sess.ID()
			}
		}(i)
	}
	wg.Wait()
	s.Require().NoError(s.manager.Close())

	s.manager = s.newManager()
	for i, id := range ids {
		s.Require().NotEmpty(id)
		got, err := s.manager.Get(s.ctx, id)
		s.Require().NoError(err)
		v, ok := got.Get(fmt.Sprintf("key%d", i))
		s.True(ok)
		s.Equal(fmt.Sprintf("value%d", i), v)
	}
}

// transient 会话不保存
func (s *SessionTestSuite) TestTransientSessionNotSaved() {
	for _, v := range []interface{}{true, "true"} {
		sess, err := s.manager.Create(s.ctx)
		s.Require().NoError(err)
		sess.Set(TransientAttribute, v)
		s.Require().NoError(s.manager.SaveSync(s.ctx, sess))
		s.Require().NoError(s.manager.Save(s.ctx, sess))

		ok, err := s.store.HasKey(s.ctx, sess.ID())
		s.NoError(err)
		s.False(ok)
	}
}

// 删除不存在的会话不报错, 也不修改存储
func (s *SessionTestSuite) TestDestroyMissing() {
	before := s.mr.Keys()
	s.NoError(s.manager.Destroy(s.ctx, "nope"))
	s.Equal(before, s.mr.Keys())
}

func (s *SessionTestSuite) TestDestroy() {
	sess := s.saveWith(time.Minute, map[string]interface{}{"a": 1})
	s.Require().NoError(s.manager.Destroy(s.ctx, sess.ID()))

	_, err := s.manager.Get(s.ctx, sess.ID())
	s.True(errors.Is(err, ErrNotFound))
	s.Equal([]string{sess.ID()}, s.events.IDs())
}

// 事件接收方的 panic 和错误不影响删除
func (s *SessionTestSuite) TestPublisherFailureContained() {
	s.Require().NoError(s.manager.Close())
	s.manager = s.newManager(WithEventPublisher(EventPublisherFunc(func(context.Context, SessionDeletedEvent) error {
		panic("listener blew up")
	})))
	sess := s.saveWith(time.Minute, nil)
	s.NoError(s.manager.Destroy(s.ctx, sess.ID()))
	s.False(s.mr.Exists(s.key(sess.ID())))

	s.Require().NoError(s.manager.Close())
	s.manager = s.newManager(WithEventPublisher(EventPublisherFunc(func(context.Context, SessionDeletedEvent) error {
		return errors.New("listener failed")
	})))
	sess = s.saveWith(time.Minute, nil)
	s.NoError(s.manager.Destroy(s.ctx, sess.ID()))
}

// 清理删除过期时间不晚于当前时间的会话
func (s *SessionTestSuite) TestCleanExpiredSessions() {
	expired := s.saveWith(50*time.Second, nil)
	boundary := s.saveWith(time.Minute, nil)
	alive := s.saveWith(61*time.Second, nil)
	never := s.saveWith(-1, nil)

	s.clock.Advance(time.Minute)
	n, err := s.manager.CleanExpiredSessions(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	s.False(s.mr.Exists(s.key(expired.ID())))
	s.False(s.mr.Exists(s.key(boundary.ID())))
	s.True(s.mr.Exists(s.key(alive.ID())))
	s.True(s.mr.Exists(s.key(never.ID())))

	want := []string{expired.ID(), boundary.ID()}
	sort.Strings(want)
	s.Equal(want, s.events.IDs())

	n, err = s.manager.CleanExpiredSessions(s.ctx)
	s.NoError(err)
	s.Equal(0, n)
}

// 永不过期的会话没有过期时间字段, 不会被清理
func (s *SessionTestSuite) TestNeverExpiringSession() {
	for _, interval := range []time.Duration{0, -1} {
		sess := s.saveWith(interval, map[string]interface{}{"a": 1})
		s.True(s.mr.Exists(s.key(sess.ID())))
		s.Empty(s.mr.HGet(s.key(sess.ID()), store.FieldExpired))
	}

	// 由会过期变为永不过期时删除过期时间字段
	sess := s.saveWith(time.Minute, nil)
	s.NotEmpty(s.mr.HGet(s.key(sess.ID()), store.FieldExpired))
	sess.SetMaxInactiveInterval(-time.Second)
	s.Require().NoError(s.manager.SaveSync(s.ctx, sess))
	s.Empty(s.mr.HGet(s.key(sess.ID()), store.FieldExpired))
	s.Equal("-1", s.mr.HGet(s.key(sess.ID()), store.FieldMaxInactive))

	s.clock.Advance(24 * 365 * time.Hour)
	n, err := s.manager.CleanExpiredSessions(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, n)

	got, err := s.manager.Get(s.ctx, sess.ID())
	s.Require().NoError(err)
	s.Equal(-time.Second, got.MaxInactiveInterval())
}

func (s *SessionTestSuite) TestAtomicAttribute() {
	hits := new(atomic.Int64)
	hits.Store(41)
	sess := s.saveWith(time.Minute, map[string]interface{}{"hits": hits})

	got, err := s.manager.Get(s.ctx, sess.ID())
	s.Require().NoError(err)
	v, ok := got.Get("hits")
	s.Require().True(ok)
	s.Require().IsType(&atomic.Int64{}, v)
	s.Equal(int64(41), v.(*atomic.Int64).Load())

	// 值相同的新原子对象不会使会话变脏
	same := new(atomic.Int64)
	same.Store(41)
	got.Set("hits", same)
	s.False(got.IsDirty())
}

// 所有编码族与压缩方式
func (s *SessionTestSuite) TestCodecVariants() {
	for _, family := range []codec.Family{codec.FamilyMsgpack, codec.FamilyGob} {
		for _, compression := range []codec.Compression{codec.CompressionNone, codec.CompressionSnappy, codec.CompressionZstd} {
			s.Require().NoError(s.manager.Close())
			s.manager = s.newManager(WithCodec(family, compression))

			sess := s.saveWith(time.Minute, map[string]interface{}{
				"name":  "alice",
				"roles": []string{"admin", "dev"},
				"prefs": map[string]interface{}{"theme": "dark", "n": 1, "f": float32(1.5)},
				"list":  []interface{}{1, "x", uint16(7), nil},
				"raw":   []byte{0, 1, 2},
			})
			got, err := s.manager.Get(s.ctx, sess.ID())
			s.Require().NoError(err, "%s/%s", family, compression)
			for _, name := range sess.AttributeNames() {
				want, _ := sess.Get(name)
				have, _ := got.Get(name)
				s.Equal(want, have, "%s/%s %s", family, compression, name)
				// 重新设置相同的值不会使重新加载的会话变脏
				got.Set(name, want)
				s.False(got.IsDirty(), "%s/%s %s", family, compression, name)
			}
		}
	}
}

func (s *SessionTestSuite) TestIndexConflictFailsStartup() {
	s.Require().NoError(s.store.CreateIndex(s.ctx, store.FieldCreated, "by-created", store.IndexNumeric))
	_, err := NewManager(s.ctx, s.store, WithIndexName("by-created"))
	s.True(errors.Is(err, store.ErrIndexConflict))
}

func (s *SessionTestSuite) TestInvalidConfig() {
	_, err := NewManager(s.ctx, s.store, WithSaveWorkers(0))
	s.Error(err)
	_, err = NewManager(s.ctx, s.store, WithCodec("xml", codec.CompressionNone))
	s.Error(err)
}

// 运行测试套件
func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
