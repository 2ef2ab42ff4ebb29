// Package pool provides a bounded worker pool for background callbacks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个后台任务。
type Task func(ctx context.Context) error

// Config 工作池配置。
type Config struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// TaskTimeout 单个任务的执行上限，0 表示不限制
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`
	// PanicHandler 任务 panic 时调用
	PanicHandler func(name string, recovered any) `json:"-" yaml:"-"`
	// ErrorHandler 任务返回错误时调用
	ErrorHandler func(name string, err error) `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		TaskTimeout: 30 * time.Second,
	}
}

type job struct {
	name string
	ctx  context.Context
	task Task
	done chan error
}

// Pool 固定数量的 worker 从有界队列中取任务执行。
// 队列满时 TrySubmit 立即返回 ErrPoolFull，调用方不会被慢任务阻塞。
type Pool struct {
	config Config
	queue  chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
}

// New 创建并启动工作池。
func New(config Config) *Pool {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	p := &Pool{
		config: config,
		queue:  make(chan job, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// TrySubmit 非阻塞提交任务。
func (p *Pool) TrySubmit(ctx context.Context, name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job{name: name, ctx: ctx, task: task}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait 提交任务并等待其完成。
func (p *Pool) SubmitWait(ctx context.Context, name string, task Task) error {
	done := make(chan error, 1)
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.queue <- job{name: name, ctx: ctx, task: task, done: done}:
		p.submitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.active.Add(1)
		err := p.run(j)
		p.active.Add(-1)

		if err != nil {
			p.failed.Add(1)
			if p.config.ErrorHandler != nil {
				p.config.ErrorHandler(j.name, err)
			}
		} else {
			p.completed.Add(1)
		}
		if j.done != nil {
			j.done <- err
		}
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.config.PanicHandler != nil {
				p.config.PanicHandler(j.name, r)
			}
			err = fmt.Errorf("task %s panicked: %v", j.name, r)
		}
	}()

	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}
	return j.task(ctx)
}

// Close 停止接收新任务，等待队列中的任务执行完毕。
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats 工作池统计。
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
}

// Stats 返回当前统计。
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.config.Workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}
