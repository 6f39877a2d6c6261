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

type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Task, error)
	List(ctx context.Context, userID string, limit int64) ([]*models.Task, error)
	Status(ctx context.Context, id primitive.ObjectID) (models.TaskStatus, error)
	MarkRunning(ctx context.Context, id primitive.ObjectID) error
	UpdateProgress(ctx context.Context, id primitive.ObjectID, p models.TaskProgress) error
	Finish(ctx context.Context, id primitive.ObjectID, status models.TaskStatus, result map[string]interface{}) error
	Cancel(ctx context.Context, userID string, id primitive.ObjectID) error
}

type taskRepository struct {
	collection *mongo.Collection
}

func NewTaskRepository(db *mongo.Database) TaskRepository {
	return &taskRepository{collection: db.Collection(tasksCollection)}
}

var activeStatuses = bson.M{"$in": []models.TaskStatus{models.TaskPending, models.TaskRunning}}

func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskPending
	}

	result, err := r.collection.InsertOne(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	task.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Task, error) {
	var task models.Task
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to get task: %w", database.MapError(err))
	}
	return &task, nil
}

func (r *taskRepository) List(ctx context.Context, userID string, limit int64) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var tasks []*models.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, nil
}

// Status reads only the status field; it is polled during runs.
func (r *taskRepository) Status(ctx context.Context, id primitive.ObjectID) (models.TaskStatus, error) {
	var doc struct {
		Status models.TaskStatus `bson:"status"`
	}
	opts := options.FindOne().SetProjection(bson.M{"status": 1})
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to get task status: %w", database.MapError(err))
	}
	return doc.Status, nil
}

func (r *taskRepository) MarkRunning(ctx context.Context, id primitive.ObjectID) error {
	now := time.Now()
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.TaskPending},
		bson.M{"$set": bson.M{"status": models.TaskRunning, "started_at": now, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	if result.MatchedCount == 0 {
		return models.ErrTaskFinished
	}
	return nil
}

func (r *taskRepository) UpdateProgress(ctx context.Context, id primitive.ObjectID, p models.TaskProgress) error {
	set := bson.M{"updated_at": time.Now()}
	if p.CurrentStep != "" {
		set["current_step"] = p.CurrentStep
	}
	if p.Total != nil {
		set["total"] = *p.Total
	}
	update := bson.M{"$set": set}

	inc := bson.M{}
	if p.Completed != 0 {
		inc["completed"] = p.Completed
	}
	if p.Successful != 0 {
		inc["successful"] = p.Successful
	}
	if p.Failed != 0 {
		inc["failed"] = p.Failed
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}

	if len(p.Errors) > 0 {
		errs := make([]string, len(p.Errors))
		for i, e := range p.Errors {
			errs[i] = models.TruncateError(e)
		}
		update["$push"] = bson.M{"errors": bson.M{"$each": errs, "$slice": models.MaxTaskErrors}}
	}

	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// Finish records the outcome. A task cancelled while it was running keeps
// its cancelled status; only the result and finish time are written.
func (r *taskRepository) Finish(ctx context.Context, id primitive.ObjectID, status models.TaskStatus, result map[string]interface{}) error {
	now := time.Now()
	set := bson.M{"status": status, "finished_at": now, "updated_at": now, "result": result}

	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id, "status": activeStatuses}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	delete(set, "status")
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	return nil
}

// Cancel flags an active task as cancelled. The worker observes the flag
// between units of work.
func (r *taskRepository) Cancel(ctx context.Context, userID string, id primitive.ObjectID) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID, "status": activeStatuses},
		bson.M{"$set": bson.M{"status": models.TaskCancelled, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": id, "user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return models.ErrTaskFinished
}
