// Package timer 提供周期定时器：到期时唤醒所有已注册的处理函数。
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// Periodic 固定间隔的定时器。处理函数在定时器协程中同步调用，必须不阻塞，
// 耗时工作应交给专用协程（例如 policy.Worker.Trigger）
type Periodic struct {
	clock    clock.WithTicker
	interval time.Duration
	logger   *logrus.Logger

	mu       sync.RWMutex
	handlers []func()
	fired    uint64
}

// New 创建周期定时器，clk 为 nil 时使用真实时钟
func New(clk clock.WithTicker, interval time.Duration, logger *logrus.Logger) (*Periodic, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: timer interval must be positive, got %v", models.ErrInvalidArgument, interval)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	return &Periodic{clock: clk, interval: interval, logger: logger}, nil
}

// RegisterPeriodic 注册在每次到期时调用的处理函数
func (p *Periodic) RegisterPeriodic(handler func()) {
	if handler == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// Run 运行定时器直到 ctx 结束
func (p *Periodic) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Infof("Periodic timer started (interval: %v)", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Periodic timer stopped")
			return
		case <-ticker.C():
			p.fire()
		}
	}
}

func (p *Periodic) fire() {
	p.mu.Lock()
	p.fired++
	handlers := append([]func(){}, p.handlers...)
	p.mu.Unlock()

	for _, handler := range handlers {
		handler()
	}
}

// Fired 到期次数
func (p *Periodic) Fired() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fired
}

// Interval 返回定时间隔
func (p *Periodic) Interval() time.Duration {
	return p.interval
}
