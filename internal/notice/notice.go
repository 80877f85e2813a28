// Package notice доставляет пользователю краткоживущие уведомления:
// об ошибках чтения, валидации и результатах действий.
package notice

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Error   Level = "error"
)

type Notice struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Sink принимает уведомления. Реализации должны быть потокобезопасны.
type Sink interface {
	Notify(n Notice)
}

func ReportError(s Sink, title string, err error) {
	n := Notice{Level: Error, Title: title, At: time.Now()}
	if err != nil {
		n.Message = err.Error()
	}
	s.Notify(n)
}

func ReportSuccess(s Sink, title string) {
	s.Notify(Notice{Level: Success, Title: title, At: time.Now()})
}

// Buffer хранит последние уведомления, старые вытесняются
type Buffer struct {
	mu    sync.Mutex
	items []Notice
	limit int
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 64
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Notify(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, n)
	if len(b.items) > b.limit {
		b.items = b.items[len(b.items)-b.limit:]
	}
}

// Drain возвращает накопленные уведомления и очищает буфер
func (b *Buffer) Drain() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// LogSink пишет уведомления в лог
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Notify(n Notice) {
	entry := s.Log.WithFields(logrus.Fields{"level_notice": n.Level, "title": n.Title})
	switch n.Level {
	case Error:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}

// Discard отбрасывает уведомления
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(Notice) {}
