package transport

import (
	"fmt"
	"sort"
	"sync"
)

const subscriberBuffer = 256

// Bus — внутрипроцессная pub/sub-шина. Каждая подписка получает сообщения
// в порядке публикации через собственную горутину доставки, поэтому
// публикующая сторона не блокируется на медленных обработчиках дольше,
// чем на заполнении буфера.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscriber
	all    []*subscriber
	topics map[string]struct{}
	closed bool
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		subs:   map[string][]*subscriber{},
		topics: map[string]struct{}{},
	}
}

func newSubscriber(h Handler) *subscriber {
	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	go func() {
		for msg := range sub.ch {
			h(msg)
		}
	}()
	return sub
}

func (s *subscriber) send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- msg
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *Bus) Subscribe(topic string, h Handler) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("bus: topic is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: closed")
	}
	sub := newSubscriber(h)
	b.subs[topic] = append(b.subs[topic], sub)
	return func() { b.unsubscribe(topic, sub) }, nil
}

func (b *Bus) SubscribeAll(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: closed")
	}
	sub := newSubscriber(h)
	b.all = append(b.all, sub)
	return func() { b.unsubscribe("", sub) }, nil
}

func (b *Bus) Publish(topic, msgType string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("bus: topic is empty")
	}
	msg := Message{Topic: topic, Type: msgType, Payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus: closed")
	}
	b.topics[topic] = struct{}{}
	targets := make([]*subscriber, 0, len(b.subs[topic])+len(b.all))
	targets = append(targets, b.subs[topic]...)
	targets = append(targets, b.all...)
	b.mu.Unlock()

	for _, sub := range targets {
		sub.send(msg)
	}
	return nil
}

// Advertise объявляет тему без публикации сообщения.
func (b *Bus) Advertise(topic string) {
	if topic == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = struct{}{}
}

func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Close останавливает доставку всем подписчикам.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var targets []*subscriber
	for _, subs := range b.subs {
		targets = append(targets, subs...)
	}
	targets = append(targets, b.all...)
	b.subs = map[string][]*subscriber{}
	b.all = nil
	b.mu.Unlock()

	for _, sub := range targets {
		sub.stop()
	}
}

func (b *Bus) unsubscribe(topic string, target *subscriber) {
	b.mu.Lock()
	if topic == "" {
		b.all = removeSub(b.all, target)
	} else {
		b.subs[topic] = removeSub(b.subs[topic], target)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()
	target.stop()
}

func removeSub(subs []*subscriber, target *subscriber) []*subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
