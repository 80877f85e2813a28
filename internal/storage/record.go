package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MatchAll - удовлетворяет ли запись всем фильтрам
func MatchAll(rec Record, filter []Eq) bool {
	for _, eq := range filter {
		v, ok := rec[eq.Field]
		if !ok || !equalValues(v, eq.Value) {
			return false
		}
	}
	return true
}

// MatchQuery - удовлетворяет ли запись фильтрам запроса
func MatchQuery(rec Record, q Query) bool {
	if !MatchAll(rec, q.Filter) {
		return false
	}
	if q.In == nil {
		return true
	}
	v := rec[q.In.Field]
	for _, candidate := range q.In.Values {
		if equalValues(v, candidate) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// SortRecords упорядочивает записи по полю; при равенстве - по id
func SortRecords(rows []Record, field string, ascending bool) {
	if field == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compareValues(rows[i][field], rows[j][field])
		if c == 0 {
			c = strings.Compare(fmt.Sprint(rows[i]["id"]), fmt.Sprint(rows[j]["id"]))
		}
		if ascending {
			return c < 0
		}
		return c > 0
	})
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Clone возвращает поверхностную копию записи
func Clone(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
