package service

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/grigta/vkads/pkg/logger"
	"github.com/grigta/vkads/services/vkads-service/internal/engine"
	"github.com/grigta/vkads/services/vkads-service/internal/models"
)

type statusReader interface {
	Status(ctx context.Context, id primitive.ObjectID) (models.TaskStatus, error)
}

// cancelRegistry holds in-process cancellation flags set by CancelTask.
type cancelRegistry struct {
	mu    sync.Mutex
	flags map[primitive.ObjectID]bool
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{flags: make(map[primitive.ObjectID]bool)}
}

func (r *cancelRegistry) set(id primitive.ObjectID) {
	r.mu.Lock()
	r.flags[id] = true
	r.mu.Unlock()
}

func (r *cancelRegistry) isSet(id primitive.ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[id]
}

func (r *cancelRegistry) clear(id primitive.ObjectID) {
	r.mu.Lock()
	delete(r.flags, id)
	r.mu.Unlock()
}

// cancelToken answers "is this run cancelled" from the local flag, falling
// back to the stored task status at most once per interval. A cancellation
// requested on another instance is therefore seen within one interval.
type cancelToken struct {
	id       primitive.ObjectID
	flags    *cancelRegistry
	tasks    statusReader
	interval time.Duration

	mu        sync.Mutex
	lastPoll  time.Time
	cancelled bool
}

func newCancelToken(id primitive.ObjectID, flags *cancelRegistry, tasks statusReader, interval time.Duration) *cancelToken {
	return &cancelToken{id: id, flags: flags, tasks: tasks, interval: interval}
}

func (t *cancelToken) Cancelled(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return true
	}
	if t.flags.isSet(t.id) {
		t.cancelled = true
		return true
	}
	if !t.lastPoll.IsZero() && time.Since(t.lastPoll) < t.interval {
		return false
	}
	t.lastPoll = time.Now()

	status, err := t.tasks.Status(ctx, t.id)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to poll task status", logger.Err(err))
		return false
	}
	t.cancelled = status == models.TaskCancelled
	return t.cancelled
}

func (t *cancelToken) Func() engine.CancelFunc {
	return t.Cancelled
}
