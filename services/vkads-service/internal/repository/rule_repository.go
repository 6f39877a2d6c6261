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

type RuleFilter struct {
	Kind        models.RuleKind
	EnabledOnly bool
}

type RuleRepository interface {
	Create(ctx context.Context, rule *models.Rule) error
	GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.Rule, error)
	List(ctx context.Context, userID string, filter RuleFilter) ([]*models.Rule, error)
	SetEnabled(ctx context.Context, userID string, id primitive.ObjectID, enabled bool) error
	Delete(ctx context.Context, userID string, id primitive.ObjectID) error
}

type ruleRepository struct {
	collection *mongo.Collection
}

func NewRuleRepository(db *mongo.Database) RuleRepository {
	return &ruleRepository{collection: db.Collection(rulesCollection)}
}

func (r *ruleRepository) Create(ctx context.Context, rule *models.Rule) error {
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.LookbackDays == 0 {
		rule.LookbackDays = models.DefaultLookbackDays
	}

	result, err := r.collection.InsertOne(ctx, rule)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", database.MapError(err))
	}
	rule.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *ruleRepository) GetByID(ctx context.Context, userID string, id primitive.ObjectID) (*models.Rule, error) {
	var rule models.Rule
	if err := r.collection.FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&rule); err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", database.MapError(err))
	}
	return &rule, nil
}

// List returns rules by descending priority; equal priorities keep creation order.
func (r *ruleRepository) List(ctx context.Context, userID string, filter RuleFilter) ([]*models.Rule, error) {
	query := bson.M{"user_id": userID}
	if filter.Kind != "" {
		query["kind"] = filter.Kind
	}
	if filter.EnabledOnly {
		query["enabled"] = true
	}

	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer cursor.Close(ctx)

	var rules []*models.Rule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}

func (r *ruleRepository) SetEnabled(ctx context.Context, userID string, id primitive.ObjectID, enabled bool) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id, "user_id": userID}, bson.M{
		"$set": bson.M{"enabled": enabled, "updated_at": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if result.MatchedCount == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (r *ruleRepository) Delete(ctx context.Context, userID string, id primitive.ObjectID) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if result.DeletedCount == 0 {
		return database.ErrNotFound
	}
	return nil
}
