// Package events 提供按实体有序投递的发布/订阅总线。
//
// 每个 key (连接 ID 或任务 ID) 拥有独立的投递队列：同一 key 的事件严格按发布顺序
// 串行投递，不同 key 之间并发投递、互不阻塞。事件不会被丢弃。
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscription 是订阅句柄
type Subscription interface {
	// Unsubscribe 取消订阅，返回后不会再有新的回调开始执行
	Unsubscribe()
}

// Bus 是泛型事件总线，零值不可用，请使用 NewBus
type Bus[E any] struct {
	mu       sync.Mutex
	idle     *sync.Cond
	nextID   uint64
	subs     []*subscriber[E]
	boxes    map[string]*mailbox[E]
	inflight int
	closed   bool
	logger   *slog.Logger
}

type subscriber[E any] struct {
	id      uint64
	key     string // 为空表示接收所有 key
	fn      func(E)
	removed atomic.Bool
	bus     *Bus[E]
}

type delivery[E any] struct {
	event    E
	handlers []*subscriber[E]
}

type mailbox[E any] struct {
	queue []delivery[E]
}

// NewBus 创建事件总线，logger 用于记录订阅者 panic
func NewBus[E any](logger *slog.Logger) *Bus[E] {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus[E]{
		boxes:  make(map[string]*mailbox[E]),
		logger: logger,
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Subscribe 订阅所有 key 的事件
func (b *Bus[E]) Subscribe(fn func(E)) Subscription {
	return b.SubscribeKey("", fn)
}

// SubscribeKey 只订阅指定 key 的事件，key 为空等价于 Subscribe
func (b *Bus[E]) SubscribeKey(key string, fn func(E)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber[E]{id: b.nextID, key: key, fn: fn, bus: b}
	b.subs = append(b.subs, s)
	return s
}

func (s *subscriber[E]) Unsubscribe() {
	if s.removed.Swap(true) {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
}

// Publish 将事件放入 key 对应的队列，立即返回
func (b *Bus[E]) Publish(key string, event E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var handlers []*subscriber[E]
	for _, s := range b.subs {
		if s.key == "" || s.key == key {
			handlers = append(handlers, s)
		}
	}
	if len(handlers) == 0 {
		return
	}
	b.inflight++
	box, running := b.boxes[key]
	if !running {
		box = &mailbox[E]{}
		b.boxes[key] = box
	}
	box.queue = append(box.queue, delivery[E]{event: event, handlers: handlers})
	if !running {
		go b.drain(key, box)
	}
}

// drain 串行投递一个 key 的全部事件，队列清空后退出
func (b *Bus[E]) drain(key string, box *mailbox[E]) {
	for {
		b.mu.Lock()
		if len(box.queue) == 0 {
			delete(b.boxes, key)
			b.mu.Unlock()
			return
		}
		d := box.queue[0]
		box.queue[0] = delivery[E]{}
		box.queue = box.queue[1:]
		b.mu.Unlock()

		for _, s := range d.handlers {
			if s.removed.Load() {
				continue
			}
			b.invoke(s, d.event)
		}

		b.mu.Lock()
		b.inflight--
		if b.inflight == 0 {
			b.idle.Broadcast()
		}
		b.mu.Unlock()
	}
}

func (b *Bus[E]) invoke(s *subscriber[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(event)
}

// Flush 阻塞直到已发布的事件全部投递完成
func (b *Bus[E]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.inflight > 0 {
		b.idle.Wait()
	}
}

// Close 停止接收新事件，已排队的事件仍会投递完
func (b *Bus[E]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
