package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/vkads/pkg/database"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

type ScalingConfigRepository interface {
	Create(ctx context.Context, cfg *models.ScalingConfig) error
	GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.ScalingConfig, error)
	List(ctx context.Context, userID string) ([]*models.ScalingConfig, error)
	Delete(ctx context.Context, userID string, id primitive.ObjectID) error
}

type scalingConfigRepository struct {
	collection *mongo.Collection
}

func NewScalingConfigRepository(db *mongo.Database) ScalingConfigRepository {
	return &scalingConfigRepository{collection: db.Collection(scalingConfigsCollection)}
}

func (r *scalingConfigRepository) Create(ctx context.Context, cfg *models.ScalingConfig) error {
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if cfg.LookbackDays == 0 {
		cfg.LookbackDays = models.DefaultLookbackDays
	}

	result, err := r.collection.InsertOne(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create scaling config: %w", database.MapError(err))
	}
	cfg.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *scalingConfigRepository) GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.ScalingConfig, error) {
	var cfg models.ScalingConfig
	if err := r.collection.FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to get scaling config: %w", database.MapError(err))
	}
	return &cfg, nil
}

func (r *scalingConfigRepository) List(ctx context.Context, userID string) ([]*models.ScalingConfig, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list scaling configs: %w", err)
	}
	defer cursor.Close(ctx)

	var configs []*models.ScalingConfig
	if err := cursor.All(ctx, &configs); err != nil {
		return nil, fmt.Errorf("failed to decode scaling configs: %w", err)
	}
	return configs, nil
}

func (r *scalingConfigRepository) Delete(ctx context.Context, userID string, id primitive.ObjectID) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete scaling config: %w", err)
	}
	if result.DeletedCount == 0 {
		return database.ErrNotFound
	}
	return nil
}
