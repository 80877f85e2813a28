package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownField      = errors.New("unknown field")
	ErrDuplicate         = errors.New("duplicate record")
	ErrClosed            = errors.New("storage is closed")
)

// Record - строка коллекции в виде поле -> значение
type Record = map[string]any

// Eq - фильтр равенства field = value
type Eq struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (e Eq) String() string {
	return fmt.Sprintf("%s=eq.%v", e.Field, e.Value)
}

// In - фильтр принадлежности field IN (values)
type In struct {
	Field  string `json:"field"`
	Values []any  `json:"values"`
}

// Query описывает чтение коллекции
type Query struct {
	Collection string `json:"collection"`
	Filter     []Eq   `json:"filter,omitempty"`
	In         *In    `json:"in,omitempty"`
	OrderBy    string `json:"orderBy,omitempty"`
	Ascending  bool   `json:"ascending,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Where добавляет фильтр равенства
func (q Query) Where(field string, value any) Query {
	q.Filter = append(append([]Eq(nil), q.Filter...), Eq{Field: field, Value: value})
	return q
}

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Topic - область подписки: коллекция и необязательный фильтр
type Topic struct {
	Collection string `json:"collection"`
	Filter     *Eq    `json:"filter,omitempty"`
}

// Key однозначно идентифицирует пару (коллекция, фильтр)
func (t Topic) Key() string {
	if t.Filter == nil {
		return t.Collection
	}
	return t.Collection + ":" + t.Filter.String()
}

// Change - уведомление об изменении. Record может быть неполным.
type Change struct {
	Collection string `json:"collection"`
	Op         Op     `json:"op"`
	Record     Record `json:"record,omitempty"`
}

// Storage - контракт с бэкендом: чтение, запись, удаление и подписки
type Storage interface {
	Query(ctx context.Context, q Query) ([]Record, error)
	Count(ctx context.Context, q Query) (int, error)
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	Delete(ctx context.Context, collection string, filter []Eq) (int, error)
	Subscribe(ctx context.Context, topic Topic, fn func(Change)) (*Subscription, error)
	Close() error
}

// Get возвращает единственную запись по фильтру или ErrNotFound
func Get(ctx context.Context, s Storage, collection string, filter ...Eq) (Record, error) {
	rows, err := s.Query(ctx, Query{Collection: collection, Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// ParseEq разбирает фильтр вида field:value
func ParseEq(s string) (Eq, error) {
	field, value, ok := strings.Cut(s, ":")
	if !ok || field == "" {
		return Eq{}, fmt.Errorf("invalid filter %q", s)
	}
	return Eq{Field: field, Value: value}, nil
}
