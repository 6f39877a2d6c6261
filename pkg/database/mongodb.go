package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/grigta/vkads/pkg/logger"
)

type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	timeout  time.Duration
}

type MongoOptions struct {
	URI         string
	Database    string
	Timeout     time.Duration
	MaxPoolSize uint64
	MinPoolSize uint64
}

func NewMongoDB(ctx context.Context, opts MongoOptions) (*MongoDB, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxPoolSize == 0 {
		opts.MaxPoolSize = 50
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(opts.URI)
	clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	clientOptions.SetMinPoolSize(opts.MinPoolSize)
	clientOptions.SetMaxConnIdleTime(5 * time.Minute)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", errors.Join(ErrConnection, err))
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", errors.Join(ErrConnection, err))
	}

	logger.FromContext(ctx).Info("Connected to MongoDB", logger.Field{Key: "database", Value: opts.Database})

	return &MongoDB{
		client:   client,
		database: client.Database(opts.Database),
		timeout:  opts.Timeout,
	}, nil
}

func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoDB) GetDatabase() *mongo.Database {
	return m.database
}

// IndexSpec describes one index: ordered key fields (1 or -1) and uniqueness.
type IndexSpec struct {
	Collection string
	Keys       bson.D
	Unique     bool
	TTL        time.Duration
}

func (m *MongoDB) EnsureIndexes(ctx context.Context, specs []IndexSpec) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	byCollection := make(map[string][]mongo.IndexModel)
	for _, spec := range specs {
		idx := options.Index()
		if spec.Unique {
			idx.SetUnique(true)
		}
		if spec.TTL > 0 {
			idx.SetExpireAfterSeconds(int32(spec.TTL.Seconds()))
		}
		byCollection[spec.Collection] = append(byCollection[spec.Collection], mongo.IndexModel{
			Keys:    spec.Keys,
			Options: idx,
		})
	}

	for collection, models := range byCollection {
		if _, err := m.database.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
		}
	}
	return nil
}

// MapError converts driver errors into package sentinels.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}
