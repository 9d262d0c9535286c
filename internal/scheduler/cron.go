// Package scheduler 提供分诊网关的定时任务，目前只有等待选择超时的清理。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ExpiryReason 超时取消运行时记录的原因
const ExpiryReason = "selection timed out"

// Expirer 取消在 before 之前进入等待选择的运行，由 orchestrator.Engine 实现
type Expirer interface {
	ExpireSelections(ctx context.Context, before time.Time, reason string) (int, error)
}

// ExpirySweeper 按 cron 表达式定期取消等待选择超时的运行
type ExpirySweeper struct {
	cron    *cron.Cron
	expirer Expirer
	logger  *logrus.Logger
	now     func() time.Time

	mu       sync.Mutex
	ttl      time.Duration
	schedule string
	entry    cron.EntryID
	running  bool
}

// NewExpirySweeper 创建清理器。ttl <= 0 表示不清理。
func NewExpirySweeper(expirer Expirer, schedule string, ttl time.Duration, logger *logrus.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		expirer:  expirer,
		logger:   logger,
		now:      time.Now,
		ttl:      ttl,
		schedule: schedule,
	}
}

// Start 注册清理任务并启动调度器
func (s *ExpirySweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true
	s.logger.WithFields(logrus.Fields{
		"schedule": s.schedule,
		"ttl":      s.ttl.String(),
	}).Info("Selection expiry sweeper started")
	return nil
}

// Reschedule 更新调度表达式与超时时间，配置热加载时调用
func (s *ExpirySweeper) Reschedule(schedule string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ttl = ttl
	if schedule == s.schedule || !s.running {
		s.schedule = schedule
		return nil
	}
	id, err := s.cron.AddFunc(schedule, s.run)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Remove(s.entry)
	s.entry = id
	s.schedule = schedule
	return nil
}

// TTL 返回当前超时时间
func (s *ExpirySweeper) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

func (s *ExpirySweeper) run() {
	if _, err := s.Sweep(context.Background()); err != nil {
		s.logger.WithError(err).Error("Selection expiry sweep failed")
	}
}

// Sweep 执行一次清理，返回取消的运行数
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	ttl := s.TTL()
	if ttl <= 0 {
		return 0, nil
	}
	before := s.now().Add(-ttl)
	n, err := s.expirer.ExpireSelections(ctx, before, ExpiryReason)
	if n > 0 {
		s.logger.WithFields(logrus.Fields{
			"expired": n,
			"before":  before.Format(time.RFC3339),
		}).Info("Expired runs awaiting selection")
	}
	return n, err
}

// Stop 停止调度器并等待进行中的清理结束
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("Selection expiry sweeper stopped")
}
