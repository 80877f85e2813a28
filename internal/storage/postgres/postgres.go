package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Channel - канал LISTEN/NOTIFY, в который триггеры пишут изменения
const Channel = "storyfeed_changes"

type PostgresStorage struct {
	pool   *pgxpool.Pool
	hub    *storage.Hub
	log    logrus.FieldLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(dsn string) (*PostgresStorage, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log := logrus.WithField("storage", "postgres")
	s := &PostgresStorage{
		pool: pool,
		hub:  storage.NewHub(log),
		log:  log,
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ready := make(chan error, 1)
	s.wg.Add(1)
	go s.listen(listenCtx, ready)
	if err := <-ready; err != nil {
		cancel()
		s.wg.Wait()
		pool.Close()
		return nil, err
	}

	return s, nil
}

func columnType(f storage.Field) string {
	if f.Kind == storage.KindTime {
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

// schemaSQL строит DDL по реестру коллекций. Родительские таблицы
// создаются раньше дочерних.
func schemaSQL() string {
	var b strings.Builder
	b.WriteString(`
		CREATE OR REPLACE FUNCTION storyfeed_notify() RETURNS trigger AS $$
		DECLARE
			rec RECORD;
		BEGIN
			IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
			PERFORM pg_notify('` + Channel + `', json_build_object(
				'collection', TG_TABLE_NAME,
				'op', TG_OP,
				'record', to_jsonb(rec) - 'content' - 'password_hash' - 'description'
			)::text);
			RETURN rec;
		END;
		$$ LANGUAGE plpgsql;
	`)

	for _, name := range tableOrder() {
		c := storage.Schema[name]
		cols := make([]string, 0, len(c.Fields)+len(c.Unique))
		for _, f := range c.Fields {
			col := f.Name + " " + columnType(f)
			switch {
			case f.Name == "id":
				col += " PRIMARY KEY"
			case c.Parent != nil && f.Name == c.Parent.Field:
				col += fmt.Sprintf(" NOT NULL REFERENCES %s(id) ON DELETE CASCADE", c.Parent.Collection)
			case f.Required:
				col += " NOT NULL"
			}
			cols = append(cols, col)
		}
		for _, u := range c.Unique {
			cols = append(cols, "UNIQUE ("+strings.Join(u, ", ")+")")
		}
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);\n", name, strings.Join(cols, ",\n\t"))
		if c.Parent != nil {
			fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);\n", name, c.Parent.Field, name, c.Parent.Field)
		}
		fmt.Fprintf(&b, "DROP TRIGGER IF EXISTS %s_notify ON %s;\n", name, name)
		fmt.Fprintf(&b, "CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION storyfeed_notify();\n", name, name)
	}
	return b.String()
}

func tableOrder() []string {
	return []string{"profiles", "accounts", "posts", "comments", "reactions", "gallery", "events"}
}

// listen держит отдельное соединение с LISTEN и раздает уведомления в hub
func (s *PostgresStorage) listen(ctx context.Context, ready chan<- error) {
	defer s.wg.Done()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		ready <- fmt.Errorf("failed to acquire listener connection: %w", err)
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		ready <- fmt.Errorf("failed to listen: %w", err)
		return
	}
	ready <- nil

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.WithError(err).Error("change listener stopped")
			}
			return
		}
		var ch storage.Change
		if err := json.Unmarshal([]byte(n.Payload), &ch); err != nil {
			s.log.WithError(err).Warn("malformed change notification")
			continue
		}
		ch.Collection = strings.ToLower(ch.Collection)
		s.hub.Publish(ch)
	}
}

func buildWhere(c storage.Collection, filter []storage.Eq, in *storage.In, args []any) (string, []any) {
	conds := make([]string, 0, len(filter)+1)
	for _, eq := range filter {
		args = append(args, textValue(c, eq.Field, eq.Value))
		conds = append(conds, fmt.Sprintf("%s = $%d", eq.Field, len(args)))
	}
	if in != nil {
		values := make([]string, len(in.Values))
		for i, v := range in.Values {
			values[i] = fmt.Sprint(v)
		}
		args = append(args, values)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d)", in.Field, len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func textValue(c storage.Collection, field string, v any) any {
	f, _ := c.Field(field)
	if f.Kind == storage.KindText && v != nil {
		return fmt.Sprint(v)
	}
	return v
}

func (s *PostgresStorage) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	c, err := storage.ValidateQuery(q)
	if err != nil {
		return nil, err
	}

	where, args := buildWhere(c, q.Filter, q.In, nil)
	sql := "SELECT " + strings.Join(c.FieldNames(), ", ") + " FROM " + c.Name + where
	if q.OrderBy != "" {
		dir := "DESC"
		if q.Ascending {
			dir = "ASC"
		}
		sql += fmt.Sprintf(" ORDER BY %s %s, id %s", q.OrderBy, dir, dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.Name, err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", c.Name, err)
	}
	if records == nil {
		records = []storage.Record{}
	}
	return records, nil
}

func (s *PostgresStorage) Count(ctx context.Context, q storage.Query) (int, error) {
	c, err := storage.ValidateQuery(q)
	if err != nil {
		return 0, err
	}
	where, args := buildWhere(c, q.Filter, q.In, nil)

	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+c.Name+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.Name, err)
	}
	return n, nil
}

func (s *PostgresStorage) Insert(ctx context.Context, collection string, rec storage.Record) (storage.Record, error) {
	row, err := storage.Normalize(collection, rec)
	if err != nil {
		return nil, err
	}
	c, _ := storage.Lookup(collection)

	names := c.FieldNames()
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[name]
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		c.Name, strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(names, ", "))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(collection, err)
	}
	created, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, translate(collection, err)
	}
	return created, nil
}

func (s *PostgresStorage) Delete(ctx context.Context, collection string, filter []storage.Eq) (int, error) {
	c, err := storage.ValidateQuery(storage.Query{Collection: collection, Filter: filter})
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("delete from %s requires a filter", collection)
	}
	where, args := buildWhere(c, filter, nil, nil)

	tag, err := s.pool.Exec(ctx, "DELETE FROM "+c.Name+where, args...)
	if err != nil {
		return 0, translate(collection, err)
	}
	return int(tag.RowsAffected()), nil
}

// translate переводит ошибки ограничений в ошибки хранилища
func translate(collection string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s: %s", storage.ErrDuplicate, collection, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s: %s", storage.ErrNotFound, collection, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("failed to write %s: %w", collection, err)
}

func (s *PostgresStorage) Subscribe(ctx context.Context, topic storage.Topic, fn func(storage.Change)) (*storage.Subscription, error) {
	return s.hub.Subscribe(ctx, topic, fn)
}

func (s *PostgresStorage) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	s.pool.Close()
	return nil
}
