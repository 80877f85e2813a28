package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type FieldKind int

const (
	KindText FieldKind = iota
	KindTime
)

type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

type Collection struct {
	Name   string
	Fields []Field
	// Unique - наборы полей, уникальные в пределах коллекции
	Unique [][]string
	// Parent - внешний ключ, удаляемый каскадно вместе с родителем
	Parent *ForeignKey
}

type ForeignKey struct {
	Field      string
	Collection string
}

func (c Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (c Collection) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

var (
	idField      = Field{Name: "id", Kind: KindText, Required: true}
	createdField = Field{Name: "created_at", Kind: KindTime, Required: true}
)

// Schema - реестр известных коллекций
var Schema = map[string]Collection{
	"posts": {
		Name: "posts",
		Fields: []Field{
			idField,
			{Name: "title", Required: true},
			{Name: "content", Required: true},
			{Name: "media_url"},
			{Name: "media_type"},
			{Name: "category", Required: true},
			{Name: "author_id", Required: true},
			createdField,
		},
	},
	"comments": {
		Name: "comments",
		Fields: []Field{
			idField,
			{Name: "post_id", Required: true},
			{Name: "user_id", Required: true},
			{Name: "content", Required: true},
			createdField,
		},
		Parent: &ForeignKey{Field: "post_id", Collection: "posts"},
	},
	"reactions": {
		Name: "reactions",
		Fields: []Field{
			idField,
			{Name: "post_id", Required: true},
			{Name: "user_id", Required: true},
			{Name: "type", Required: true},
			createdField,
		},
		Unique: [][]string{{"post_id", "user_id"}},
		Parent: &ForeignKey{Field: "post_id", Collection: "posts"},
	},
	"gallery": {
		Name: "gallery",
		Fields: []Field{
			idField,
			{Name: "title", Required: true},
			{Name: "image_url", Required: true},
			{Name: "description"},
			createdField,
		},
	},
	"events": {
		Name: "events",
		Fields: []Field{
			idField,
			{Name: "title", Required: true},
			{Name: "description", Required: true},
			{Name: "image_url"},
			{Name: "event_date", Kind: KindTime, Required: true},
			{Name: "location"},
			createdField,
		},
	},
	"profiles": {
		Name: "profiles",
		Fields: []Field{
			idField,
			{Name: "username", Required: true},
			{Name: "display_name", Required: true},
			{Name: "avatar_url"},
			{Name: "role", Required: true},
			createdField,
		},
		Unique: [][]string{{"username"}},
	},
	"accounts": {
		Name: "accounts",
		Fields: []Field{
			idField,
			{Name: "email", Required: true},
			{Name: "password_hash", Required: true},
			createdField,
		},
		Unique: [][]string{{"email"}},
	},
}

// Lookup возвращает описание коллекции
func Lookup(name string) (Collection, error) {
	c, ok := Schema[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

// ValidateQuery проверяет, что коллекция и все поля запроса известны
func ValidateQuery(q Query) (Collection, error) {
	c, err := Lookup(q.Collection)
	if err != nil {
		return c, err
	}
	if err := validateFilter(c, q.Filter); err != nil {
		return c, err
	}
	if q.In != nil {
		if _, ok := c.Field(q.In.Field); !ok {
			return c, fmt.Errorf("%w: %s.%s", ErrUnknownField, c.Name, q.In.Field)
		}
	}
	if q.OrderBy != "" {
		if _, ok := c.Field(q.OrderBy); !ok {
			return c, fmt.Errorf("%w: %s.%s", ErrUnknownField, c.Name, q.OrderBy)
		}
	}
	if q.Limit < 0 {
		return c, fmt.Errorf("negative limit %d", q.Limit)
	}
	return c, nil
}

// ValidateTopic проверяет область подписки
func ValidateTopic(t Topic) error {
	c, err := Lookup(t.Collection)
	if err != nil {
		return err
	}
	if t.Filter != nil {
		return validateFilter(c, []Eq{*t.Filter})
	}
	return nil
}

func validateFilter(c Collection, filter []Eq) error {
	for _, eq := range filter {
		if _, ok := c.Field(eq.Field); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, c.Name, eq.Field)
		}
	}
	return nil
}

// Normalize проверяет запись перед вставкой: известные поля, обязательные
// значения, время в time.Time. Заполняет id и created_at, если их нет.
func Normalize(collection string, rec Record) (Record, error) {
	c, err := Lookup(collection)
	if err != nil {
		return nil, err
	}
	out := make(Record, len(c.Fields))
	for k, v := range rec {
		f, ok := c.Field(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, c.Name, k)
		}
		if f.Kind == KindTime && v != nil {
			t, err := toTime(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			v = t
		}
		out[k] = v
	}
	if id, _ := out["id"].(string); id == "" {
		out["id"] = uuid.New().String()
	}
	if _, ok := out["created_at"]; !ok {
		out["created_at"] = time.Now().UTC()
	}
	for _, f := range c.Fields {
		if !f.Required {
			if _, ok := out[f.Name]; !ok {
				out[f.Name] = nil
			}
			continue
		}
		if v, ok := out[f.Name]; !ok || v == nil || v == "" {
			return nil, fmt.Errorf("field %s.%s is required", c.Name, f.Name)
		}
	}
	return out, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q", t)
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}
