// Package concurrency wraps alitto/pond with standardized config and logging.
package concurrency

import (
	"fmt"
	"streamhub/internal/core"
	"time"

	"github.com/alitto/pond"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // If true, TrySubmit returns false instead of blocking when full
}

// WorkerPool wraps alitto/pond with monitoring and standardized config
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("Worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit enqueues a task, blocking when the queue is full
func (p *WorkerPool) Submit(task func()) {
	p.pool.Submit(task)
}

// TrySubmit enqueues a task without blocking; reports whether it was accepted
func (p *WorkerPool) TrySubmit(task func()) bool {
	return p.pool.TrySubmit(task)
}

// StopAndWait drains the queue and stops all workers
func (p *WorkerPool) StopAndWait() {
	p.pool.StopAndWait()
}

// Running returns the number of running workers
func (p *WorkerPool) Running() int {
	return p.pool.RunningWorkers()
}

// String describes the pool for logs
func (p *WorkerPool) String() string {
	return fmt.Sprintf("pool %s (workers=%d capacity=%d)", p.config.Name, p.config.MaxWorkers, p.config.MaxCapacity)
}
