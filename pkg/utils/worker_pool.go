package utils

import (
	"sync"
	"sync/atomic"
)

// WorkerPool 控制并发任务的执行
type WorkerPool interface {
	// Execute 提交一个任务，占用一个并发名额直到任务返回
	Execute(task func())
	// Running 返回已获得并发名额、正在执行的任务数
	Running() int
	// Wait 等待所有已提交的任务结束
	Wait()
}

type defaultWorkerPool struct {
	limit        chan struct{}
	wg           sync.WaitGroup
	running      atomic.Int64
	panicHandler func(any)
}

type Option func(*defaultWorkerPool)

// WithPanicHandler 允许用户自定义 panic 处理逻辑
func WithPanicHandler(handler func(any)) Option {
	return func(wp *defaultWorkerPool) {
		wp.panicHandler = handler
	}
}

// NewWorkerPool 创建并发上限为 maxConcurrent 的工作池，0 时取默认值 5
func NewWorkerPool(maxConcurrent uint, options ...Option) WorkerPool {
	if maxConcurrent == 0 {
		maxConcurrent = 5
	}
	wp := &defaultWorkerPool{
		limit: make(chan struct{}, maxConcurrent),
	}
	for _, option := range options {
		option(wp)
	}
	return wp
}

func (wp *defaultWorkerPool) Execute(task func()) {
	wp.wg.Go(func() {
		wp.limit <- struct{}{}
		wp.running.Add(1)
		defer func() {
			wp.running.Add(-1)
			<-wp.limit
		}()
		if wp.panicHandler != nil {
			defer func() {
				if r := recover(); r != nil {
					wp.panicHandler(r)
				}
			}()
		}
		task()
	})
}

func (wp *defaultWorkerPool) Running() int {
	return int(wp.running.Load())
}

func (wp *defaultWorkerPool) Wait() {
	wp.wg.Wait()
}
