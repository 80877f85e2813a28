package mongodb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

type MongoStorage struct {
	client *mongo.Client
	db     *mongo.Database
	hub    *storage.Hub
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(uri, database string) (*MongoStorage, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	if err := ensureIndexes(ctx, db); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	log := logrus.WithField("storage", "mongo")
	s := &MongoStorage{
		client: client,
		db:     db,
		hub:    storage.NewHub(log),
		log:    log,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.hub.OnFirst = s.watch
	return s, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	for name, c := range storage.Schema {
		var models []mongo.IndexModel
		for _, fields := range c.Unique {
			keys := bson.D{}
			for _, f := range fields {
				keys = append(keys, bson.E{Key: f, Value: 1})
			}
			models = append(models, mongo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)})
		}
		if c.Parent != nil {
			models = append(models, mongo.IndexModel{Keys: bson.D{{Key: c.Parent.Field, Value: 1}}})
		}
		if len(models) == 0 {
			continue
		}
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", name, err)
		}
	}
	return nil
}

func fieldKey(name string) string {
	if name == "id" {
		return "_id"
	}
	return name
}

func buildFilter(c storage.Collection, filter []storage.Eq, in *storage.In) bson.D {
	doc := bson.D{}
	for _, eq := range filter {
		doc = append(doc, bson.E{Key: fieldKey(eq.Field), Value: textValue(c, eq.Field, eq.Value)})
	}
	if in != nil {
		values := bson.A{}
		for _, v := range in.Values {
			values = append(values, textValue(c, in.Field, v))
		}
		doc = append(doc, bson.E{Key: fieldKey(in.Field), Value: bson.D{{Key: "$in", Value: values}}})
	}
	return doc
}

func textValue(c storage.Collection, field string, v any) any {
	f, _ := c.Field(field)
	if f.Kind == storage.KindText && v != nil {
		return fmt.Sprint(v)
	}
	return v
}

// fromDocument переводит документ в запись: _id -> id, даты -> time.Time
func fromDocument(doc bson.M) storage.Record {
	rec := make(storage.Record, len(doc))
	for k, v := range doc {
		if k == "_id" {
			k = "id"
		}
		if dt, ok := v.(bson.DateTime); ok {
			v = dt.Time().UTC()
		}
		rec[k] = v
	}
	return rec
}

func (s *MongoStorage) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	c, err := storage.ValidateQuery(q)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if q.OrderBy != "" {
		dir := -1
		if q.Ascending {
			dir = 1
		}
		opts.SetSort(bson.D{{Key: fieldKey(q.OrderBy), Value: dir}, {Key: "_id", Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.db.Collection(c.Name).Find(ctx, buildFilter(c, q.Filter, q.In), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.Name, err)
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.Name, err)
	}
	records := make([]storage.Record, len(docs))
	for i, d := range docs {
		records[i] = fromDocument(d)
	}
	return records, nil
}

func (s *MongoStorage) Count(ctx context.Context, q storage.Query) (int, error) {
	c, err := storage.ValidateQuery(q)
	if err != nil {
		return 0, err
	}
	n, err := s.db.Collection(c.Name).CountDocuments(ctx, buildFilter(c, q.Filter, q.In))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.Name, err)
	}
	return int(n), nil
}

func (s *MongoStorage) Insert(ctx context.Context, collection string, rec storage.Record) (storage.Record, error) {
	row, err := storage.Normalize(collection, rec)
	if err != nil {
		return nil, err
	}
	c, _ := storage.Lookup(collection)

	if c.Parent != nil {
		n, err := s.db.Collection(c.Parent.Collection).CountDocuments(ctx, bson.D{{Key: "_id", Value: fmt.Sprint(row[c.Parent.Field])}})
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", c.Parent.Collection, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s %v", storage.ErrNotFound, c.Parent.Collection, row[c.Parent.Field])
		}
	}

	doc := bson.D{}
	for _, name := range c.FieldNames() {
		doc = append(doc, bson.E{Key: fieldKey(name), Value: row[name]})
	}
	if _, err := s.db.Collection(c.Name).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrDuplicate, collection)
		}
		return nil, fmt.Errorf("failed to insert %s: %w", collection, err)
	}
	return row, nil
}

func (s *MongoStorage) Delete(ctx context.Context, collection string, filter []storage.Eq) (int, error) {
	c, err := storage.ValidateQuery(storage.Query{Collection: collection, Filter: filter})
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("delete from %s requires a filter", collection)
	}
	return s.deleteCascade(ctx, c, buildFilter(c, filter, nil))
}

// deleteCascade удаляет документы и дочерние записи, ссылающиеся на них
func (s *MongoStorage) deleteCascade(ctx context.Context, c storage.Collection, filter any) (int, error) {
	coll := s.db.Collection(c.Name)

	var children []storage.Collection
	for _, child := range storage.Schema {
		if child.Parent != nil && child.Parent.Collection == c.Name {
			children = append(children, child)
		}
	}

	var ids []string
	if len(children) > 0 {
		cur, err := coll.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return 0, fmt.Errorf("failed to find %s: %w", c.Name, err)
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return 0, fmt.Errorf("failed to decode %s: %w", c.Name, err)
		}
		for _, d := range docs {
			ids = append(ids, fmt.Sprint(d["_id"]))
		}
	}

	res, err := coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", c.Name, err)
	}

	if len(ids) > 0 {
		for _, child := range children {
			childFilter := bson.D{{Key: child.Parent.Field, Value: bson.D{{Key: "$in", Value: ids}}}}
			if _, err := s.deleteCascade(ctx, child, childFilter); err != nil {
				return int(res.DeletedCount), err
			}
		}
	}
	return int(res.DeletedCount), nil
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   bson.M `bson:"documentKey"`
}

// watch открывает поток изменений коллекции при первой подписке на нее.
// Требует replica set; ошибка открытия возвращается подписчику. Когда поток
// обрывается, хаб забывает о нем и следующая подписка откроет его заново.
func (s *MongoStorage) watch(collection string) error {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.db.Collection(collection).Watch(s.ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return fmt.Errorf("failed to open change stream for %s: %w", collection, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cs.Close(context.Background())
		log := s.log.WithField("collection", collection)

		for cs.Next(s.ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				log.WithError(err).Warn("malformed change event")
				continue
			}
			ch := storage.Change{Collection: collection}
			switch ev.OperationType {
			case "insert":
				ch.Op = storage.OpInsert
			case "update", "replace":
				ch.Op = storage.OpUpdate
			case "delete":
				ch.Op = storage.OpDelete
			default:
				continue
			}
			if ev.FullDocument != nil {
				ch.Record = fromDocument(ev.FullDocument)
			} else {
				ch.Record = fromDocument(ev.DocumentKey)
			}
			s.hub.Publish(ch)
		}
		if s.ctx.Err() != nil {
			return
		}
		s.hub.Reset(collection)
		log.WithError(cs.Err()).Error("change stream stopped")
	}()
	return nil
}

func (s *MongoStorage) Subscribe(ctx context.Context, topic storage.Topic, fn func(storage.Change)) (*storage.Subscription, error) {
	return s.hub.Subscribe(ctx, topic, fn)
}

func (s *MongoStorage) Close() error {
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	return s.client.Disconnect(context.Background())
}
