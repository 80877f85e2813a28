package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/sirupsen/logrus"
)

type MemoryStorage struct {
	tables map[string]map[string]storage.Record
	hub    *storage.Hub
	closed bool
	mu     sync.RWMutex
}

func New() *MemoryStorage {
	tables := make(map[string]map[string]storage.Record, len(storage.Schema))
	for name := range storage.Schema {
		tables[name] = make(map[string]storage.Record)
	}
	return &MemoryStorage{
		tables: tables,
		hub:    storage.NewHub(logrus.WithField("storage", "memory")),
	}
}

func (s *MemoryStorage) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	if _, err := storage.ValidateQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	rows := make([]storage.Record, 0)
	for _, rec := range s.tables[q.Collection] {
		if storage.MatchQuery(rec, q) {
			rows = append(rows, storage.Clone(rec))
		}
	}
	storage.SortRecords(rows, q.OrderBy, q.Ascending)

	// Ограничение количества
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (s *MemoryStorage) Count(ctx context.Context, q storage.Query) (int, error) {
	q.Limit = 0
	rows, err := s.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *MemoryStorage) Insert(ctx context.Context, collection string, rec storage.Record) (storage.Record, error) {
	row, err := storage.Normalize(collection, rec)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, _ := storage.Lookup(collection)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, storage.ErrClosed
	}
	table := s.tables[collection]
	if _, exists := table[row["id"].(string)]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s id %v", storage.ErrDuplicate, collection, row["id"])
	}
	for _, fields := range c.Unique {
		if conflict := findConflict(table, row, fields); conflict {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s %v", storage.ErrDuplicate, collection, fields)
		}
	}
	if c.Parent != nil {
		if _, ok := s.tables[c.Parent.Collection][fmt.Sprint(row[c.Parent.Field])]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s %v", storage.ErrNotFound, c.Parent.Collection, row[c.Parent.Field])
		}
	}
	table[row["id"].(string)] = row
	s.mu.Unlock()

	s.hub.Publish(storage.Change{Collection: collection, Op: storage.OpInsert, Record: storage.Clone(row)})
	return storage.Clone(row), nil
}

func findConflict(table map[string]storage.Record, row storage.Record, fields []string) bool {
	filter := make([]storage.Eq, len(fields))
	for i, f := range fields {
		filter[i] = storage.Eq{Field: f, Value: row[f]}
	}
	for _, existing := range table {
		if storage.MatchAll(existing, filter) {
			return true
		}
	}
	return false
}

func (s *MemoryStorage) Delete(ctx context.Context, collection string, filter []storage.Eq) (int, error) {
	if _, err := storage.ValidateQuery(storage.Query{Collection: collection, Filter: filter}); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("delete from %s requires a filter", collection)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, storage.ErrClosed
	}
	removed := s.deleteLocked(collection, filter)
	s.mu.Unlock()

	deleted := 0
	for _, ch := range removed {
		if ch.Collection == collection {
			deleted++
		}
		s.hub.Publish(ch)
	}
	return deleted, nil
}

// deleteLocked удаляет записи и каскадно - дочерние записи
func (s *MemoryStorage) deleteLocked(collection string, filter []storage.Eq) []storage.Change {
	var changes []storage.Change
	table := s.tables[collection]
	for id, rec := range table {
		if !storage.MatchAll(rec, filter) {
			continue
		}
		delete(table, id)
		changes = append(changes, storage.Change{Collection: collection, Op: storage.OpDelete, Record: rec})

		for name, c := range storage.Schema {
			if c.Parent != nil && c.Parent.Collection == collection {
				changes = append(changes, s.deleteLocked(name, []storage.Eq{{Field: c.Parent.Field, Value: id}})...)
			}
		}
	}
	return changes
}

func (s *MemoryStorage) Subscribe(ctx context.Context, topic storage.Topic, fn func(storage.Change)) (*storage.Subscription, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, storage.ErrClosed
	}
	return s.hub.Subscribe(ctx, topic, fn)
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	s.closed = true
	for name := range s.tables {
		s.tables[name] = make(map[string]storage.Record)
	}
	s.mu.Unlock()

	s.hub.Close()
	return nil
}
