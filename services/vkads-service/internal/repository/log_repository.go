package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

// LogRepository is append-only.
type LogRepository interface {
	InsertActionLogs(ctx context.Context, logs []models.ActionLog) error
	InsertBudgetLog(ctx context.Context, log models.BudgetChangeLog) error
	InsertScalingLog(ctx context.Context, log models.ScalingLog) error
	ActionLogsByTask(ctx context.Context, taskID string, limit int64) ([]models.ActionLog, error)
	BudgetLogsByTask(ctx context.Context, taskID string, limit int64) ([]models.BudgetChangeLog, error)
	ScalingLogsByTask(ctx context.Context, taskID string, limit int64) ([]models.ScalingLog, error)
}

type logRepository struct {
	actions *mongo.Collection
	budgets *mongo.Collection
	scaling *mongo.Collection
}

func NewLogRepository(db *mongo.Database) LogRepository {
	return &logRepository{
		actions: db.Collection(actionLogsCollection),
		budgets: db.Collection(budgetLogsCollection),
		scaling: db.Collection(scalingLogsCollection),
	}
}

func (r *logRepository) InsertActionLogs(ctx context.Context, logs []models.ActionLog) error {
	if len(logs) == 0 {
		return nil
	}
	now := time.Now()
	docs := make([]interface{}, len(logs))
	for i := range logs {
		if logs[i].CreatedAt.IsZero() {
			logs[i].CreatedAt = now
		}
		docs[i] = logs[i]
	}
	if _, err := r.actions.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to insert action logs: %w", err)
	}
	return nil
}

func (r *logRepository) InsertBudgetLog(ctx context.Context, log models.BudgetChangeLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if _, err := r.budgets.InsertOne(ctx, log); err != nil {
		return fmt.Errorf("failed to insert budget log: %w", err)
	}
	return nil
}

func (r *logRepository) InsertScalingLog(ctx context.Context, log models.ScalingLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if _, err := r.scaling.InsertOne(ctx, log); err != nil {
		return fmt.Errorf("failed to insert scaling log: %w", err)
	}
	return nil
}

func (r *logRepository) ActionLogsByTask(ctx context.Context, taskID string, limit int64) ([]models.ActionLog, error) {
	var out []models.ActionLog
	if err := findByTask(ctx, r.actions, taskID, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *logRepository) BudgetLogsByTask(ctx context.Context, taskID string, limit int64) ([]models.BudgetChangeLog, error) {
	var out []models.BudgetChangeLog
	if err := findByTask(ctx, r.budgets, taskID, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *logRepository) ScalingLogsByTask(ctx context.Context, taskID string, limit int64) ([]models.ScalingLog, error) {
	var out []models.ScalingLog
	if err := findByTask(ctx, r.scaling, taskID, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func findByTask(ctx context.Context, c *mongo.Collection, taskID string, limit int64, out interface{}) error {
	if limit <= 0 {
		limit = 500
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(limit)
	cursor, err := c.Find(ctx, bson.M{"task_id": taskID}, opts)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", c.Name(), err)
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", c.Name(), err)
	}
	return nil
}
