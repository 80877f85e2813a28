// Package syncunit держит экранное состояние в согласии с бэкендом:
// начальное чтение, подписка на изменения, полное перечитывание на каждое
// уведомление и освобождение подписок при закрытии.
//
// Перечитывания не упорядочиваются: отображается результат чтения,
// завершившегося последним. Если более раннее чтение завершится позже
// более позднего, на экране окажется устаревшее состояние. Seq в снимке
// позволяет это заметить.
package syncunit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ButyrinIA/storyfeed/internal/notice"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("sync unit is closed")

type State int

const (
	Idle State = iota
	Loading
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "error"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Loader выполняет чтение, результат которого становится состоянием
type Loader[T any] func(ctx context.Context) (T, error)

// Subscriber - часть хранилища, нужная для подписок
type Subscriber interface {
	Subscribe(ctx context.Context, topic storage.Topic, fn func(storage.Change)) (*storage.Subscription, error)
}

// Snapshot - отображаемое состояние
type Snapshot[T any] struct {
	State State
	Value T
	// Loaded - было ли хотя бы одно успешное чтение
	Loaded bool
	Err    error
	// Seq - номер запроса, чей результат сейчас отображается
	Seq uint64
}

type Option[T any] func(*Unit[T])

// WithObserver вызывается после каждого изменения снимка. Может вызываться
// из разных горутин одновременно.
func WithObserver[T any](fn func(Snapshot[T])) Option[T] {
	return func(u *Unit[T]) { u.observers = append(u.observers, fn) }
}

// WithNotices задает получателя уведомлений об ошибках
func WithNotices[T any](sink notice.Sink) Option[T] {
	return func(u *Unit[T]) { u.notices = sink }
}

// WithErrorTitle задает заголовок уведомления при ошибке чтения
func WithErrorTitle[T any](title string) Option[T] {
	return func(u *Unit[T]) { u.errorTitle = title }
}

func WithLogger[T any](log logrus.FieldLogger) Option[T] {
	return func(u *Unit[T]) { u.log = log }
}

type Unit[T any] struct {
	name       string
	subscriber Subscriber
	load       Loader[T]
	topics     []storage.Topic
	notices    notice.Sink
	errorTitle string
	observers  []func(Snapshot[T])
	log        logrus.FieldLogger

	mu      sync.Mutex
	snap    Snapshot[T]
	issued  uint64
	pending int
	subs    []*storage.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	once    sync.Once
	wg      sync.WaitGroup
}

// New создает единицу синхронизации. Повторяющиеся пары (коллекция, фильтр)
// среди topics схлопываются в одну подписку.
func New[T any](name string, subscriber Subscriber, load Loader[T], topics []storage.Topic, opts ...Option[T]) *Unit[T] {
	u := &Unit[T]{
		name:       name,
		subscriber: subscriber,
		load:       load,
		topics:     dedupe(topics),
		notices:    notice.Discard,
		errorTitle: "Failed to load " + name,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.log = u.log.WithField("unit", name)
	return u
}

func dedupe(topics []storage.Topic) []storage.Topic {
	seen := make(map[string]bool, len(topics))
	out := make([]storage.Topic, 0, len(topics))
	for _, t := range topics {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	return out
}

// Start открывает подписки и запускает начальное чтение. Ошибка подписки
// возвращается и не повторяется; уже открытые подписки при этом остаются.
func (u *Unit[T]) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.snap.State == Closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return nil
	}
	u.started = true
	u.ctx, u.cancel = context.WithCancel(ctx)
	u.snap.State = Loading
	snap := u.snap
	u.mu.Unlock()
	u.emit(snap)

	var subErr error
	for _, topic := range u.topics {
		sub, err := u.subscriber.Subscribe(u.ctx, topic, u.onChange)
		if err != nil {
			subErr = errors.Join(subErr, fmt.Errorf("subscribe %s: %w", topic.Key(), err))
			continue
		}
		u.mu.Lock()
		closed := u.snap.State == Closed
		if !closed {
			u.subs = append(u.subs, sub)
		}
		u.mu.Unlock()
		if closed {
			sub.Release()
			return ErrClosed
		}
	}
	if subErr != nil {
		u.log.WithError(subErr).Warn("subscription failed")
		notice.ReportError(u.notices, "Live updates unavailable", subErr)
	}

	u.reread()
	return subErr
}

func (u *Unit[T]) onChange(ch storage.Change) {
	u.log.WithFields(logrus.Fields{"collection": ch.Collection, "op": ch.Op}).Debug("change notification")
	u.reread()
}

// Refresh перечитывает состояние вручную
func (u *Unit[T]) Refresh() {
	u.reread()
}

// reread запускает чтение в отдельной горутине и не ждет его
func (u *Unit[T]) reread() {
	u.mu.Lock()
	if u.snap.State == Closed || !u.started {
		u.mu.Unlock()
		return
	}
	u.issued++
	u.pending++
	seq := u.issued
	ctx := u.ctx
	u.snap.State = Loading
	snap := u.snap
	u.wg.Add(1)
	u.mu.Unlock()
	u.emit(snap)

	go func() {
		defer u.wg.Done()
		value, err := u.load(ctx)
		u.apply(seq, value, err)
	}()
}

func (u *Unit[T]) apply(seq uint64, value T, err error) {
	u.mu.Lock()
	if u.snap.State == Closed {
		u.mu.Unlock()
		return
	}
	u.pending--
	if err != nil {
		u.snap.State = Failed
		u.snap.Err = err
	} else {
		u.snap = Snapshot[T]{State: Ready, Value: value, Loaded: true, Seq: seq}
	}
	if u.pending > 0 && u.snap.State == Ready {
		// другие чтения еще в полете
		u.snap.State = Loading
	}
	snap := u.snap
	u.mu.Unlock()

	if err != nil {
		u.log.WithError(err).WithField("seq", seq).Warn("read failed")
		notice.ReportError(u.notices, u.errorTitle, err)
	}
	u.emit(snap)
}

func (u *Unit[T]) emit(snap Snapshot[T]) {
	for _, fn := range u.observers {
		fn(snap)
	}
}

// Snapshot возвращает текущее состояние
func (u *Unit[T]) Snapshot() Snapshot[T] {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snap
}

// Subscriptions - число открытых подписок
func (u *Unit[T]) Subscriptions() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.subs)
}

// Close освобождает подписки ровно один раз и отменяет чтения в полете.
// Их результаты отбрасываются. Повторный вызов ничего не делает.
func (u *Unit[T]) Close() error {
	u.once.Do(func() {
		u.mu.Lock()
		u.snap.State = Closed
		subs := u.subs
		u.subs = nil
		cancel := u.cancel
		snap := u.snap
		u.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, s := range subs {
			s.Release()
		}
		u.emit(snap)
		u.log.Debug("unit closed")
	})
	return nil
}

// Wait ждет завершения всех запущенных чтений
func (u *Unit[T]) Wait() {
	u.wg.Wait()
}
