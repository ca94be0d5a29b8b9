package hitl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// DefaultSweepSchedule 是默认清扫周期。
const DefaultSweepSchedule = "@every 5m"

const sweepTimeout = 30 * time.Second

// Sweeper 按固定周期把过期的等待记录标记为 expired。
type Sweeper struct {
	queue *Queue
	cron  *cron.Cron
	log   *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewSweeper 解析调度表达式并创建清扫器。
func NewSweeper(queue *Queue, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	log := logger.Named("hitl-sweeper")
	cl := cronLogger{log: log}
	s := &Sweeper{
		queue: queue,
		cron:  cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		log:   log,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid sweep schedule "+schedule)
	}
	return s, nil
}

// RunOnce 执行一次清扫。
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	n, err := s.queue.ExpireStale(ctx)
	if err != nil {
		s.log.Error("expire sweep failed", slog.Any("error", err))
		return 0
	}
	if n > 0 {
		s.log.Info("expired stale pending transactions", slog.Int64("count", n))
	}
	return n
}

// Start 启动后台调度。
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop 停止调度并等待正在执行的清扫结束。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	log *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
