// Package mongo hosts the MongoDB vector memory backend. Similarity is
// delegated to a MongoDB text index; embedding generation is owned by the
// agent runtime, not this store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/google/uuid"

	"github.com/veplatform/controlplane/memory"
)

const (
	defaultCollection = "memories"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo memory store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements memory.Store on MongoDB.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New builds the store and ensures its text and tenant indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{coll: opts.Client.Database(opts.Database).Collection(coll), timeout: timeout}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, model := range []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "content", Value: "text"}}},
		{Keys: bson.D{{Key: "customer_id", Value: 1}}},
	} {
		if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
			return nil, fmt.Errorf("ensure memory indexes: %w", err)
		}
	}
	return s, nil
}

// Search runs a text search with the given filter composed in.
func (s *Store) Search(ctx context.Context, query string, filter map[string]any, limit int) ([]memory.Item, error) {
	f := bson.M{"$text": bson.M{"$search": query}}
	for k, v := range filter {
		f[k] = v
	}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, f, opts)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	return drain(ctx, cur)
}

// Add stores an item and returns its id.
func (s *Store) Add(ctx context.Context, item memory.Item) (string, error) {
	if item.CustomerID == "" {
		return "", errors.New("customer id is required")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, item); err != nil {
		return "", fmt.Errorf("memory add: %w", err)
	}
	return item.ID, nil
}

// Query lists items matching the filter.
func (s *Store) Query(ctx context.Context, filter map[string]any, limit int) ([]memory.Item, error) {
	opts := options.Find()
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, toBSON(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}
	return drain(ctx, cur)
}

// Delete removes items matching the filter.
func (s *Store) Delete(ctx context.Context, filter map[string]any) (int64, error) {
	if len(filter) == 0 {
		return 0, errors.New("refusing to delete with an empty filter")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("memory delete: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func toBSON(filter map[string]any) bson.M {
	f := bson.M{}
	for k, v := range filter {
		f[k] = v
	}
	return f
}

func drain(ctx context.Context, cur *mongodriver.Cursor) ([]memory.Item, error) {
	defer func() { _ = cur.Close(ctx) }()
	var out []memory.Item
	for cur.Next(ctx) {
		var item memory.Item
		if err := cur.Decode(&item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, cur.Err()
}
