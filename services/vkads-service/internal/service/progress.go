package service

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

type progressWriter interface {
	UpdateProgress(ctx context.Context, id primitive.ObjectID, p models.TaskProgress) error
}

// taskProgress writes engine progress to the task record. Task total and
// completed count accounts; successful and failed count mutation units
// reported by the engines.
type taskProgress struct {
	id    primitive.ObjectID
	tasks progressWriter

	mu         sync.Mutex
	successful int
	failed     int
}

func newTaskProgress(id primitive.ObjectID, tasks progressWriter) *taskProgress {
	return &taskProgress{id: id, tasks: tasks}
}

// Report implements engine.Progress.
func (p *taskProgress) Report(ctx context.Context, update models.TaskProgress) {
	update.Completed = 0
	p.write(ctx, update)
}

func (p *taskProgress) accountDone(ctx context.Context, step string) {
	p.write(ctx, models.TaskProgress{Completed: 1, CurrentStep: step})
}

// accountSucceeded counts the account itself as a successful unit, for
// runs that mutate nothing.
func (p *taskProgress) accountSucceeded(ctx context.Context, step string) {
	p.write(ctx, models.TaskProgress{Completed: 1, Successful: 1, CurrentStep: step})
}

func (p *taskProgress) accountFailed(ctx context.Context, msg string) {
	p.write(ctx, models.TaskProgress{Completed: 1, Failed: 1, Errors: []string{models.TruncateError(msg)}})
}

func (p *taskProgress) setTotal(ctx context.Context, total int) {
	p.write(ctx, models.TaskProgress{Total: &total})
}

func (p *taskProgress) write(ctx context.Context, update models.TaskProgress) {
	p.mu.Lock()
	p.successful += update.Successful
	p.failed += update.Failed
	p.mu.Unlock()

	if err := p.tasks.UpdateProgress(ctx, p.id, update); err != nil {
		logger.FromContext(ctx).Warn("Failed to update task progress", logger.Err(err))
	}
}

// counts returns attempted and successful units so far.
func (p *taskProgress) counts() (attempted, successful int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successful + p.failed, p.successful
}
