package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestSchemaSQL(t *testing.T) {
	sql := schemaSQL()
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS comments")
	assert.Contains(t, sql, "post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE")
	assert.Contains(t, sql, "UNIQUE (post_id, user_id)")
	assert.Contains(t, sql, "event_date TIMESTAMPTZ NOT NULL")
	assert.Contains(t, sql, "CREATE TRIGGER posts_notify")
	assert.Less(t, strings.Index(sql, "TABLE IF NOT EXISTS posts"), strings.Index(sql, "TABLE IF NOT EXISTS comments"))
}

func TestPostgresStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("Пропуск интеграционного теста в режиме -short")
	}

	// Запуск тестового контейнера PostgreSQL
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:13",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "storyfeed",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Не удалось запустить контейнер PostgreSQL: %v", err)
	}
	defer postgresC.Terminate(ctx)

	host, err := postgresC.Host(ctx)
	require.NoError(t, err)
	port, err := postgresC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://user:password@" + host + ":" + port.Port() + "/storyfeed?sslmode=disable"

	store, err := New(dsn)
	if err != nil {
		t.Fatalf("Не удалось инициализировать PostgresStorage: %v", err)
	}
	defer store.Close()

	newPost := func(title string, at time.Time) storage.Record {
		return storage.Record{
			"id":         uuid.New().String(),
			"title":      title,
			"content":    "Содержимое",
			"category":   "General",
			"author_id":  "user1",
			"created_at": at,
		}
	}

	t.Run("Insert and Query", func(t *testing.T) {
		older, err := store.Insert(ctx, "posts", newPost("Пост 1", time.Now().Add(-time.Hour)))
		require.NoError(t, err, "Ошибка при создании поста")
		newer, err := store.Insert(ctx, "posts", newPost("Пост 2", time.Now()))
		require.NoError(t, err)

		rows, err := store.Query(ctx, storage.Query{Collection: "posts", OrderBy: "created_at", Limit: 2})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, newer["id"], rows[0]["id"])
		assert.Equal(t, older["id"], rows[1]["id"])
		assert.IsType(t, time.Time{}, rows[0]["created_at"])
	})

	t.Run("Get Not Found", func(t *testing.T) {
		_, err := storage.Get(ctx, store, "posts", storage.Eq{Field: "id", Value: "non-existent-id"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Reaction uniqueness and cascade", func(t *testing.T) {
		post, err := store.Insert(ctx, "posts", newPost("С реакцией", time.Now()))
		require.NoError(t, err)

		reaction := storage.Record{"post_id": post["id"], "user_id": "user1", "type": "like"}
		_, err = store.Insert(ctx, "reactions", reaction)
		require.NoError(t, err)
		_, err = store.Insert(ctx, "reactions", reaction)
		assert.ErrorIs(t, err, storage.ErrDuplicate)

		n, err := store.Count(ctx, storage.Query{Collection: "reactions", Filter: []storage.Eq{{Field: "post_id", Value: post["id"]}}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		deleted, err := store.Delete(ctx, "posts", []storage.Eq{{Field: "id", Value: post["id"]}})
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		n, err = store.Count(ctx, storage.Query{Collection: "reactions", Filter: []storage.Eq{{Field: "post_id", Value: post["id"]}}})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Change notifications", func(t *testing.T) {
		post, err := store.Insert(ctx, "posts", newPost("Обсуждение", time.Now()))
		require.NoError(t, err)

		changes := make(chan storage.Change, 4)
		sub, err := store.Subscribe(ctx, storage.Topic{
			Collection: "comments",
			Filter:     &storage.Eq{Field: "post_id", Value: post["id"]},
		}, func(ch storage.Change) { changes <- ch })
		require.NoError(t, err)
		defer sub.Release()

		_, err = store.Insert(ctx, "comments", storage.Record{"post_id": post["id"], "user_id": "user2", "content": "Комментарий"})
		require.NoError(t, err)

		select {
		case ch := <-changes:
			assert.Equal(t, storage.OpInsert, ch.Op)
			assert.Equal(t, "comments", ch.Collection)
			assert.NotContains(t, ch.Record, "content")
		case <-time.After(5 * time.Second):
			t.Fatal("Таймаут ожидания уведомления")
		}
	})
}
