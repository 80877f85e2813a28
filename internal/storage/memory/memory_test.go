package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPost(title string, createdAt time.Time) storage.Record {
	return storage.Record{
		"id":         uuid.New().String(),
		"title":      title,
		"content":    "Содержимое",
		"category":   "General",
		"author_id":  "user1",
		"created_at": createdAt,
	}
}

func TestMemoryStorage(t *testing.T) {
	t.Run("Insert and Get", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		post := newPost("Тестовый пост", time.Now())
		created, err := store.Insert(ctx, "posts", post)
		require.NoError(t, err, "Ошибка при создании поста")
		assert.Equal(t, post["id"], created["id"])
		assert.Nil(t, created["media_url"], "Необязательные поля должны быть заполнены nil")

		retrieved, err := storage.Get(ctx, store, "posts", storage.Eq{Field: "id", Value: post["id"]})
		require.NoError(t, err, "Ошибка при получении поста")
		assert.Equal(t, "Тестовый пост", retrieved["title"])
	})

	t.Run("Get Not Found", func(t *testing.T) {
		store := New()

		_, err := storage.Get(context.Background(), store, "posts", storage.Eq{Field: "id", Value: "non-existent-id"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Insert fills id and created_at", func(t *testing.T) {
		store := New()

		created, err := store.Insert(context.Background(), "gallery", storage.Record{
			"title":     "Фото",
			"image_url": "http://media/gallery/1.png",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created["id"])
		assert.IsType(t, time.Time{}, created["created_at"])
	})

	t.Run("Insert validation", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		_, err := store.Insert(ctx, "nope", storage.Record{"title": "x"})
		assert.ErrorIs(t, err, storage.ErrUnknownCollection)

		_, err = store.Insert(ctx, "gallery", storage.Record{"title": "x", "image_url": "u", "color": "red"})
		assert.ErrorIs(t, err, storage.ErrUnknownField)

		_, err = store.Insert(ctx, "gallery", storage.Record{"title": "x"})
		assert.Error(t, err, "Ожидалась ошибка для пропущенного обязательного поля")
	})

	t.Run("Query ordering filter and limit", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		older := newPost("Пост 1", time.Now().Add(-2*time.Hour))
		newer := newPost("Пост 2", time.Now().Add(-1*time.Hour))
		other := newPost("Пост 3", time.Now())
		other["category"] = "Finance"
		for _, p := range []storage.Record{older, newer, other} {
			_, err := store.Insert(ctx, "posts", p)
			require.NoError(t, err)
		}

		rows, err := store.Query(ctx, storage.Query{Collection: "posts", Filter: []storage.Eq{{Field: "category", Value: "General"}}, OrderBy: "created_at"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, newer["id"], rows[0]["id"], "Ожидался более новый пост")
		assert.Equal(t, older["id"], rows[1]["id"])

		rows, err = store.Query(ctx, storage.Query{Collection: "posts", OrderBy: "created_at", Ascending: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, older["id"], rows[0]["id"])

		n, err := store.Count(ctx, storage.Query{Collection: "posts"})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		rows, err = store.Query(ctx, storage.Query{Collection: "posts", In: &storage.In{Field: "id", Values: []any{older["id"], other["id"], "missing"}}})
		require.NoError(t, err)
		assert.Len(t, rows, 2, "Фильтр In выбирает только перечисленные id")

		_, err = store.Query(ctx, storage.Query{Collection: "posts", OrderBy: "likes"})
		assert.ErrorIs(t, err, storage.ErrUnknownField)
	})

	t.Run("Unique reaction per user and post", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		post, err := store.Insert(ctx, "posts", newPost("Пост", time.Now()))
		require.NoError(t, err)

		reaction := storage.Record{"post_id": post["id"], "user_id": "user1", "type": "like"}
		_, err = store.Insert(ctx, "reactions", reaction)
		require.NoError(t, err)
		_, err = store.Insert(ctx, "reactions", reaction)
		assert.ErrorIs(t, err, storage.ErrDuplicate)

		_, err = store.Insert(ctx, "reactions", storage.Record{"post_id": "missing", "user_id": "user1", "type": "like"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Delete cascades to comments", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		post, err := store.Insert(ctx, "posts", newPost("Пост", time.Now()))
		require.NoError(t, err)
		_, err = store.Insert(ctx, "comments", storage.Record{"post_id": post["id"], "user_id": "user2", "content": "Ответ"})
		require.NoError(t, err)

		var commentDeletes atomic.Int32
		sub, err := store.Subscribe(ctx, storage.Topic{Collection: "comments", Filter: &storage.Eq{Field: "post_id", Value: post["id"]}}, func(ch storage.Change) {
			if ch.Op == storage.OpDelete {
				commentDeletes.Add(1)
			}
		})
		require.NoError(t, err)
		defer sub.Release()

		n, err := store.Delete(ctx, "posts", []storage.Eq{{Field: "id", Value: post["id"]}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		left, err := store.Count(ctx, storage.Query{Collection: "comments"})
		require.NoError(t, err)
		assert.Zero(t, left)
		assert.Equal(t, int32(1), commentDeletes.Load())

		_, err = store.Delete(ctx, "posts", nil)
		assert.Error(t, err, "Удаление без фильтра запрещено")
	})

	t.Run("Subscribe filter", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		p1, err := store.Insert(ctx, "posts", newPost("1", time.Now()))
		require.NoError(t, err)
		p2, err := store.Insert(ctx, "posts", newPost("2", time.Now()))
		require.NoError(t, err)

		var hits atomic.Int32
		sub, err := store.Subscribe(ctx, storage.Topic{Collection: "comments", Filter: &storage.Eq{Field: "post_id", Value: p1["id"]}}, func(storage.Change) {
			hits.Add(1)
		})
		require.NoError(t, err)

		_, err = store.Insert(ctx, "comments", storage.Record{"post_id": p2["id"], "user_id": "u", "content": "мимо"})
		require.NoError(t, err)
		_, err = store.Insert(ctx, "comments", storage.Record{"post_id": p1["id"], "user_id": "u", "content": "в цель"})
		require.NoError(t, err)
		assert.Equal(t, int32(1), hits.Load())

		require.NoError(t, sub.Release())
		require.NoError(t, sub.Release(), "Повторное освобождение не должно падать")
		_, err = store.Insert(ctx, "comments", storage.Record{"post_id": p1["id"], "user_id": "u", "content": "после"})
		require.NoError(t, err)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("Close", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		post, err := store.Insert(ctx, "posts", newPost("Тестовый пост", time.Now()))
		require.NoError(t, err)

		err = store.Close()
		assert.NoError(t, err, "Ошибка при закрытии хранилища")

		_, err = storage.Get(ctx, store, "posts", storage.Eq{Field: "id", Value: post["id"]})
		assert.ErrorIs(t, err, storage.ErrClosed, "Ожидалась ошибка после очистки хранилища")
	})
}
