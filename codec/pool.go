package codec

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Pool 固定大小的引擎池.
// 构建时一次性创建全部引擎, 之后热路径上不再产生构建成本.
type Pool struct {
	engines chan *Engine
	all     []*Engine
	timeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool 创建并预热引擎池, 任一引擎构建失败即返回错误
func NewPool(size int, acquireTimeout time.Duration, factory func() (*Engine, error)) (*Pool, error) {
	if size <= 0 {
		return nil, errors.Errorf("codec: invalid pool size %d", size)
	}
	p := &Pool{
		engines: make(chan *Engine, size),
		all:     make([]*Engine, 0, size),
		timeout: acquireTimeout,
		closed:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		e, err := factory()
		if err != nil {
			for _, built := range p.all {
				built.Close()
			}
			return nil, errors.Wrap(err, "codec: engine construction failed")
		}
		p.all = append(p.all, e)
		p.engines <- e
	}
	return p, nil
}

// Size 返回池中引擎总数
func (p *Pool) Size() int {
	return len(p.all)
}

// Available 返回当前空闲的引擎数
func (p *Pool) Available() int {
	return len(p.engines)
}

func (p *Pool) acquire() (*Engine, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	// 快速路径
	select {
	case e := <-p.engines:
		return e, nil
	default:
	}
	if p.timeout <= 0 {
		poolExhaustedTotal.Inc()
		return nil, ErrPoolExhausted
	}

	start := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case e := <-p.engines:
		poolWaitSeconds.UpdateDuration(start)
		return e, nil
	case <-timer.C:
		poolExhaustedTotal.Inc()
		return nil, ErrPoolExhausted
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

func (p *Pool) release(e *Engine) {
	e.Reset()
	select {
	case p.engines <- e:
	default:
		// 不属于本池的引擎
		e.Close()
	}
}

// With 借出一个引擎执行 fn, 无论 fn 正常返回、出错还是 panic 都会归还引擎
func (p *Pool) With(fn func(e *Engine) error) error {
	e, err := p.acquire()
	if err != nil {
		return err
	}
	defer p.release(e)
	return fn(e)
}

// Close 关闭引擎池, 之后的借出请求返回 ErrPoolClosed
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		for _, e := range p.all {
			e.Close()
		}
	})
	return nil
}
