// ============================================================================
// Beaver-Alloc 事件匯流排 - 工作負載事件的非同步分派
// ============================================================================
//
// Package: internal/eventbus
// 文件: bus.go
// 功能: 將工作負載事件依投遞順序分派給已訂閱的 listener
//
// 設計:
//   - 顯式建立，由呼叫端持有引用；沒有全域註冊表
//   - 有界佇列 + 單一 dispatcher goroutine，保證 FIFO
//   - Post 不阻塞：佇列滿時丟棄事件並計數
//   - listener panic 會被攔截並記錄，不影響其他 listener
//
// 生命週期:
//   New() → Subscribe() ... → Start() → Post() ... → Stop()
//   Stop() 會先送完已排隊的事件再返回
//
// ============================================================================

package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

var (
	// ErrBusStopped 匯流排已停止
	ErrBusStopped = errors.New("event bus stopped")
	// ErrBusStarted 匯流排已啟動
	ErrBusStarted = errors.New("event bus already started")
)

const defaultCapacity = 10000

// Listener 接收工作負載事件
type Listener interface {
	OnEvent(ev types.Event)
}

// ListenerFunc 讓普通函數成為 Listener
type ListenerFunc func(ev types.Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev types.Event) { f(ev) }

type subscriber struct {
	name     string
	listener Listener
}

type options struct {
	capacity int
	log      *slog.Logger
	onDrop   func(ev types.Event)
}

// Option 匯流排選項
type Option func(*options)

// WithCapacity 設定佇列容量
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithLogger 設定 logger
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithDropHook 事件被丟棄時呼叫，用於 metrics
func WithDropHook(fn func(ev types.Event)) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// Bus 事件匯流排
type Bus struct {
	opts   options
	queue  chan types.Event
	stopCh chan struct{}
	doneCh chan struct{}

	mu          sync.RWMutex
	subscribers []subscriber

	// postMu 讓 Post 的檢查與入列和 Stop 互斥
	postMu sync.RWMutex

	started   atomic.Bool
	stopped   atomic.Bool
	posted    atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// New 建立事件匯流排
func New(opts ...Option) *Bus {
	o := options{
		capacity: defaultCapacity,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus{
		opts:   o,
		queue:  make(chan types.Event, o.capacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Subscribe 註冊 listener。可在 Start 前後呼叫；新 listener 只收到之後分派的事件。
func (b *Bus) Subscribe(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriber{name: name, listener: l})
	b.opts.log.Debug("listener subscribed", "listener", name)
}

// Start 啟動 dispatcher goroutine
func (b *Bus) Start() error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrBusStarted
	}
	go b.dispatchLoop()
	return nil
}

// Post 非阻塞地投遞事件
//
// 返回值：
//   - bool: false 代表事件被丟棄（匯流排已停止或佇列已滿）
func (b *Bus) Post(ev types.Event) bool {
	b.postMu.RLock()
	if b.stopped.Load() {
		b.postMu.RUnlock()
		b.drop(ev, "stopped")
		return false
	}
	b.posted.Inc()
	select {
	case b.queue <- ev:
		b.postMu.RUnlock()
		return true
	default:
		b.posted.Dec()
		b.postMu.RUnlock()
		b.drop(ev, "queue full")
		return false
	}
}

func (b *Bus) drop(ev types.Event, reason string) {
	n := b.dropped.Inc()
	if n == 1 || n%1000 == 0 {
		b.opts.log.Warn("dropping event", "event", ev.Type(), "reason", reason, "dropped_total", n)
	}
	if b.opts.onDrop != nil {
		b.opts.onDrop(ev)
	}
}

// Dropped 被丟棄的事件總數
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// WaitUntilEmpty 等待所有已投遞的事件分派完成
func (b *Bus) WaitUntilEmpty(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.processed.Load() >= b.posted.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.doneCh:
			return ErrBusStopped
		case <-ticker.C:
		}
	}
}

// Stop 停止接收事件，送完已排隊的事件後返回。重複呼叫是安全的。
func (b *Bus) Stop() {
	b.postMu.Lock()
	if !b.stopped.CompareAndSwap(false, true) {
		b.postMu.Unlock()
		return
	}
	close(b.stopCh)
	b.postMu.Unlock()

	if b.started.Load() {
		<-b.doneCh
	}
	b.opts.log.Info("event bus stopped", "processed", b.processed.Load(), "dropped", b.dropped.Load())
}

func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.stopCh:
			// 送完剩餘事件
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev types.Event) {
	defer b.processed.Inc()

	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.opts.log.Warn("listener panicked", "listener", s.name, "event", ev.Type(), "panic", r)
		}
	}()
	s.listener.OnEvent(ev)
}
