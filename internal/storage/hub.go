package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Subscription - дескриптор подписки. Release можно вызывать повторно.
type Subscription struct {
	ID      string
	Topic   Topic
	once    sync.Once
	release func()
	done    chan struct{}
}

// NewSubscription оборачивает функцию освобождения в дескриптор
func NewSubscription(topic Topic, release func()) *Subscription {
	return &Subscription{
		ID:      uuid.New().String(),
		Topic:   topic,
		release: release,
		done:    make(chan struct{}),
	}
}

// Done закрывается после освобождения подписки
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Release закрывает подписку ровно один раз
func (s *Subscription) Release() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
	return nil
}

type hubEntry struct {
	sub *Subscription
	fn  func(Change)
}

// Hub раздает уведомления об изменениях подписчикам внутри процесса.
// Колбэки вызываются вне блокировки и не должны блокироваться.
type Hub struct {
	mu      sync.RWMutex
	entries map[string]hubEntry
	log     logrus.FieldLogger
	// OnFirst вызывается при первой подписке на коллекцию до регистрации
	// подписчика. Ошибка возвращается из Subscribe, следующая подписка
	// попробует снова.
	OnFirst func(collection string) error
	seen    map[string]bool
	startMu sync.Mutex
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		entries: make(map[string]hubEntry),
		seen:    make(map[string]bool),
		log:     log,
	}
}

// Subscribe регистрирует колбэк. Подписка снимается Release или отменой ctx.
func (h *Hub) Subscribe(ctx context.Context, topic Topic, fn func(Change)) (*Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("nil change callback for %s", topic.Key())
	}

	var sub *Subscription
	sub = NewSubscription(topic, func() {
		h.mu.Lock()
		delete(h.entries, sub.ID)
		h.mu.Unlock()
		h.log.WithFields(logrus.Fields{"topic": topic.Key(), "subscription": sub.ID}).Debug("subscription released")
	})

	if err := h.start(topic.Collection); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.entries[sub.ID] = hubEntry{sub: sub, fn: fn}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Release()
		case <-sub.Done():
		}
	}()

	h.log.WithFields(logrus.Fields{"topic": topic.Key(), "subscription": sub.ID}).Debug("subscription opened")
	return sub, nil
}

func (h *Hub) start(collection string) error {
	if h.OnFirst == nil {
		return nil
	}
	h.startMu.Lock()
	defer h.startMu.Unlock()

	h.mu.RLock()
	started := h.seen[collection]
	h.mu.RUnlock()
	if started {
		return nil
	}
	if err := h.OnFirst(collection); err != nil {
		return err
	}
	h.mu.Lock()
	h.seen[collection] = true
	h.mu.Unlock()
	return nil
}

// Reset забывает, что источник изменений коллекции запущен. Следующая
// подписка снова вызовет OnFirst.
func (h *Hub) Reset(collection string) {
	h.mu.Lock()
	delete(h.seen, collection)
	h.mu.Unlock()
}

// Publish доставляет изменение всем подходящим подписчикам
func (h *Hub) Publish(ch Change) {
	h.mu.RLock()
	var targets []func(Change)
	for _, e := range h.entries {
		if e.sub.Topic.Matches(ch) {
			targets = append(targets, e.fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		fn(ch)
	}
}

// Len возвращает число активных подписок
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Close снимает все подписки
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.entries
	h.entries = make(map[string]hubEntry)
	h.mu.Unlock()

	for _, e := range entries {
		e.sub.Release()
	}
}

// Matches - подходит ли изменение под область подписки. Запись без поля
// фильтра считается подходящей.
func (t Topic) Matches(ch Change) bool {
	if t.Collection != ch.Collection {
		return false
	}
	if t.Filter == nil {
		return true
	}
	v, ok := ch.Record[t.Filter.Field]
	if !ok {
		return true
	}
	return equalValues(v, t.Filter.Value)
}
