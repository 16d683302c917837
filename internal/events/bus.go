// Package events 提供按频道命名的消息总线，连接探活、离线队列、生命周期控制器
// 与已打开的页面。订阅与退订都是显式的，每条广播路径都可以脱离浏览器测试。
package events

import (
	"sync"
)

// Channel 是总线上的逻辑主题。
type Channel string

const (
	// ChannelClients 承载控制器发往页面的消息，每个打开的页面一个订阅者。
	ChannelClients Channel = "clients"
	// ChannelConnectivity 承载探活发出的 NETWORK_STATUS 状态切换。
	ChannelConnectivity Channel = "connectivity"
)

const defaultBuffer = 16

// Bus 把消息扇出给频道的所有当前订阅者。发布永不阻塞：缓冲区已满的订阅者
// 会错过该消息，并计入丢弃数。
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Channel]map[uint64]*Subscription

	dropMu  sync.Mutex
	dropped map[Channel]uint64
}

// NewBus 返回空总线。
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Channel]map[uint64]*Subscription),
		dropped: make(map[Channel]uint64),
	}
}

// Subscription 是已注册的接收方，Close 后退订。
type Subscription struct {
	bus     *Bus
	channel Channel
	id      uint64
	ch      chan Message
	once    sync.Once
}

// Subscribe 在 channel 上注册接收方，buffer <= 0 时使用默认大小。
func (b *Bus) Subscribe(channel Channel, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus:     b,
		channel: channel,
		id:      b.nextID,
		ch:      make(chan Message, buffer),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*Subscription)
	}
	b.subs[channel][sub.id] = sub
	return sub
}

// Publish 把 msg 投递给 channel 的所有订阅者，返回成功接收的数量。
func (b *Bus) Publish(channel Channel, msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	var dropped uint64
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.dropMu.Lock()
		b.dropped[channel] += dropped
		b.dropMu.Unlock()
	}
	return delivered
}

// Subscribers 返回 channel 上的订阅者数量。
func (b *Bus) Subscribers(channel Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Dropped 返回 channel 上因订阅者缓冲区已满而丢弃的消息数。
func (b *Bus) Dropped(channel Channel) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[channel]
}

// C 返回订阅的接收端，Close 时关闭。
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close 退订并关闭接收端，可重复调用。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs := s.bus.subs[s.channel]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
		close(s.ch)
		s.bus.mu.Unlock()
	})
}
