// Package dispatch 为选定的处置方案执行下游动作：发送通知、创建工单。
// 每个子动作独立执行并单独记录结果，由编排器根据汇总结果决定运行的去向。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/triage/internal/domain"
	"github.com/sirupsen/logrus"
)

// NotificationSender 向消息频道发送通知
type NotificationSender interface {
	Send(ctx context.Context, message, channelHint string) error
}

// TicketCreator 创建跟踪工单，返回工单 ID
type TicketCreator interface {
	Create(ctx context.Context, summary, details string) (string, error)
}

// PrioritizedTicketCreator 支持按方案风险等级设置优先级的工单系统
type PrioritizedTicketCreator interface {
	CreateWithPriority(ctx context.Context, summary, details string, risk domain.RiskTier) (string, error)
}

// channelResolver 能给出消息实际投递频道的通知器
type channelResolver interface {
	Channel(hint string) string
}

// Dispatcher 下游动作分发器。notifier 或 tickets 为 nil 表示未配置，
// 请求未配置的动作会得到不可重试的失败。
type Dispatcher struct {
	notifier NotificationSender
	tickets  TicketCreator
	logger   *logrus.Logger
	now      func() time.Time
}

// New 创建分发器
func New(notifier NotificationSender, tickets TicketCreator, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		tickets:  tickets,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch 并发执行请求的子动作，返回逐个子动作的结果。
// 错误包装 domain.ErrTransient 的子动作标记为可恢复。
func (d *Dispatcher) Dispatch(ctx context.Context, run *domain.RunContext, actions domain.ActionRequest) domain.DispatchReport {
	var report domain.DispatchReport
	opt, _ := run.SelectedOption()

	var wg sync.WaitGroup
	if actions.Notify {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Notify = d.notify(ctx, run, opt, actions.ChannelHint)
		}()
	}
	if actions.CreateTicket {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Ticket = d.createTicket(ctx, run, opt)
		}()
	}
	wg.Wait()
	return report
}

func (d *Dispatcher) notify(ctx context.Context, run *domain.RunContext, opt *domain.RemediationOption, hint string) domain.SubActionOutcome {
	if d.notifier == nil {
		return d.outcome(run, domain.SubActionNotify, "", fmt.Errorf("notification: %w", domain.ErrNotConfigured))
	}
	channel := hint
	if r, ok := d.notifier.(channelResolver); ok {
		channel = r.Channel(hint)
	}
	err := d.notifier.Send(ctx, FormatSlackMessage(run, opt, d.now()), hint)
	return d.outcome(run, domain.SubActionNotify, channel, err)
}

func (d *Dispatcher) createTicket(ctx context.Context, run *domain.RunContext, opt *domain.RemediationOption) domain.SubActionOutcome {
	if d.tickets == nil {
		return d.outcome(run, domain.SubActionTicket, "", fmt.Errorf("ticketing: %w", domain.ErrNotConfigured))
	}
	summary, details := FormatTicket(run, opt)

	var (
		key string
		err error
	)
	if p, ok := d.tickets.(PrioritizedTicketCreator); ok && opt != nil {
		key, err = p.CreateWithPriority(ctx, summary, details, opt.RiskTier)
	} else {
		key, err = d.tickets.Create(ctx, summary, details)
	}
	return d.outcome(run, domain.SubActionTicket, key, err)
}

// outcome 生成子动作结果并记录日志
func (d *Dispatcher) outcome(run *domain.RunContext, action domain.SubAction, ref string, err error) domain.SubActionOutcome {
	at := d.now()
	log := d.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"action": action,
	})
	if err != nil {
		recoverable := errors.Is(err, domain.ErrTransient)
		log.WithError(err).WithField("recoverable", recoverable).Warn("Sub-action failed")
		return domain.SubActionOutcome{
			Requested:   true,
			Error:       err.Error(),
			Recoverable: recoverable,
			At:          &at,
		}
	}
	log.WithField("reference", ref).Info("Sub-action succeeded")
	return domain.SubActionOutcome{Requested: true, Succeeded: true, Reference: ref, At: &at}
}
