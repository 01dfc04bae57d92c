package policy

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// Ticker 可被周期驱动的策略评估
type Ticker interface {
	Tick(ctx context.Context) (models.TickReport, error)
}

// Worker 专用的周期执行协程。定时器只负责唤醒，硬件调用都在 Run 中完成；
// 上一周期未结束时新的触发被合并丢弃，而不是排队
type Worker struct {
	ticker Ticker
	logger *logrus.Logger

	wake      chan struct{}
	busy      atomic.Bool
	skipped   atomic.Uint64
	completed atomic.Uint64
}

// NewWorker 创建周期执行协程
func NewWorker(ticker Ticker, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	return &Worker{
		ticker: ticker,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Trigger 请求执行一次周期，不阻塞。已有周期待执行或正在执行时返回 false
func (w *Worker) Trigger() bool {
	if !w.busy.CompareAndSwap(false, true) {
		w.skipped.Add(1)
		return false
	}
	w.wake <- struct{}{}
	return true
}

// Run 处理触发直到 ctx 结束
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Policy tick worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Policy tick worker stopped")
			return
		case <-w.wake:
			if _, err := w.ticker.Tick(ctx); err != nil {
				w.logger.Debugf("Policy tick returned: %v", err)
			}
			w.busy.Store(false)
			w.completed.Add(1)
		}
	}
}

// Skipped 被合并丢弃的触发次数
func (w *Worker) Skipped() uint64 {
	return w.skipped.Load()
}

// Completed 已执行完成的周期数
func (w *Worker) Completed() uint64 {
	return w.completed.Load()
}
