package events

import (
	"context"
	"errors"
	"sync"

	"github.com/oriys/triage/internal/domain"
)

// subscriberBuffer 每个订阅者的缓冲区大小，消费过慢时丢弃新事件
const subscriberBuffer = 32

// Broadcaster 进程内事件广播，按运行 ID 分发给 websocket 订阅者
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan domain.RunEvent
}

// NewBroadcaster 创建广播器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[int]chan domain.RunEvent)}
}

// Subscribe 订阅指定运行的事件，返回事件通道和取消函数。
// 取消后通道被关闭。
func (b *Broadcaster) Subscribe(runID string) (<-chan domain.RunEvent, func()) {
	ch := make(chan domain.RunEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan domain.RunEvent)
	}
	b.subs[runID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[runID], id)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish 非阻塞地投递事件
func (b *Broadcaster) Publish(_ context.Context, evt *domain.RunEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[evt.RunID] {
		select {
		case ch <- *evt:
		default:
		}
	}
	return nil
}

// Subscribers 返回指定运行的订阅者数量
func (b *Broadcaster) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, evt *domain.RunEvent) error
}

// Multi 依次发布到多个目标，某个目标失败不影响其他目标
type Multi []Publisher

// Publish 发布到全部目标，返回合并后的错误
func (m Multi) Publish(ctx context.Context, evt *domain.RunEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
