package codec

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int, timeout time.Duration) *Pool {
	t.Helper()
	p, err := NewPool(size, timeout, func() (*Engine, error) {
		return NewEngine(FamilyMsgpack, CompressionNone)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolPrewarmed(t *testing.T) {
	p := newTestPool(t, 4, 0)
	assert.Equal(t, 4, p.Size())
	assert.Equal(t, 4, p.Available())

	_, err := NewPool(0, 0, nil)
	assert.Error(t, err)
}

func TestPoolConstructionFailure(t *testing.T) {
	calls := 0
	_, err := NewPool(3, 0, func() (*Engine, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("boom")
		}
		return NewEngine(FamilyGob, CompressionZstd)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPoolExhausted(t *testing.T) {
	p := newTestPool(t, 1, 50*time.Millisecond)

	err := p.With(func(*Engine) error {
		assert.Equal(t, 0, p.Available())

		start := time.Now()
		inner := p.With(func(*Engine) error { return nil })
		assert.True(t, errors.Is(inner, ErrPoolExhausted))
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Available())
}

func TestPoolNoWait(t *testing.T) {
	p := newTestPool(t, 1, 0)
	err := p.With(func(*Engine) error {
		start := time.Now()
		inner := p.With(func(*Engine) error { return nil })
		assert.True(t, errors.Is(inner, ErrPoolExhausted))
		assert.Less(t, time.Since(start), 40*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
}

func TestPoolWaitsForRelease(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = p.With(func(*Engine) error {
			close(held)
			time.Sleep(30 * time.Millisecond)
			return nil
		})
		close(done)
	}()
	<-held
	assert.NoError(t, p.With(func(*Engine) error { return nil }))
	<-done
	assert.Equal(t, 1, p.Available())
}

func TestPoolReleaseOnErrorAndPanic(t *testing.T) {
	p := newTestPool(t, 2, 0)

	err := p.With(func(*Engine) error { return errors.New("fail") })
	assert.EqualError(t, err, "fail")
	assert.Equal(t, 2, p.Available())

	assert.Panics(t, func() {
		_ = p.With(func(*Engine) error { panic("engine blew up") })
	})
	assert.Equal(t, 2, p.Available())
}

func TestPoolClosed(t *testing.T) {
	p := newTestPool(t, 1, time.Second)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.With(func(*Engine) error { return nil })
	assert.True(t, errors.Is(err, ErrPoolClosed))
}

func TestCodecClosed(t *testing.T) {
	c, err := New(Config{PoolSize: 1})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Serialize("x")
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
