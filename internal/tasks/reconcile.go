// Package tasks moves reconcile updates through asynq so webhook handlers can
// acknowledge quickly and status writes happen on workers.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/reconcile"
)

// TypeReconcile is the asynq task type carrying a reconcile.Update.
const TypeReconcile = "payment:reconcile"

// DefaultQueue is the asynq queue reconcile tasks are placed on.
const DefaultQueue = "payments"

// Sink accepts reconcile updates for processing.
type Sink interface {
	Submit(ctx context.Context, u reconcile.Update) error
}

// NewReconcileTask encodes u as an asynq task.
func NewReconcileTask(u reconcile.Update) (*asynq.Task, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("tasks: encode reconcile payload: %w", err)
	}
	return asynq.NewTask(TypeReconcile, payload), nil
}

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer submits updates to asynq. Identical observations share a task id,
// so redeliveries of the same webhook collapse into one task.
type Enqueuer struct {
	Client    taskClient
	Queue     string
	MaxRetry  int
	Retention time.Duration
	Logger    zerolog.Logger
}

var _ Sink = Enqueuer{}

// Submit implements Sink.
func (e Enqueuer) Submit(ctx context.Context, u reconcile.Update) error {
	if e.Client == nil {
		return errors.New("tasks: asynq client not configured")
	}
	task, err := NewReconcileTask(u)
	if err != nil {
		return err
	}
	queue := e.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	opts := []asynq.Option{asynq.Queue(queue), asynq.TaskID(TaskID(u))}
	if e.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(e.MaxRetry))
	}
	if e.Retention > 0 {
		opts = append(opts, asynq.Retention(e.Retention))
	}
	info, err := e.Client.EnqueueContext(ctx, task, opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		e.Logger.Debug().Str("provider", u.Provider).Str("external_id", u.ExternalID).Msg("reconcile task already queued")
		return nil
	case err != nil:
		return fmt.Errorf("tasks: enqueue reconcile: %w", err)
	}
	e.Logger.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("reconcile task enqueued")
	return nil
}

// TaskID derives a stable id from the identity of an observation.
func TaskID(u reconcile.Update) string {
	observed := ""
	switch {
	case !u.ObservedAt.IsZero():
		observed = u.ObservedAt.UTC().Format(time.RFC3339Nano)
	case !u.ReceivedAt.IsZero():
		observed = "received:" + u.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(u.Provider + "|" + u.ExternalID + "|" + string(u.Status) + "|" + observed))
	return "reconcile:" + hex.EncodeToString(sum[:16])
}

// Inline applies updates synchronously; used when the queue is disabled.
type Inline struct {
	Reconciler *reconcile.Reconciler
}

var _ Sink = Inline{}

// Submit implements Sink.
func (i Inline) Submit(ctx context.Context, u reconcile.Update) error {
	_, _, err := i.Reconciler.Apply(ctx, u)
	return err
}

// Handler processes reconcile tasks on a worker.
type Handler struct {
	Reconciler *reconcile.Reconciler
}

// ProcessTask implements asynq.Handler. Malformed payloads and invalid updates
// are not retried.
func (h Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var u reconcile.Update
	if err := json.Unmarshal(t.Payload(), &u); err != nil {
		return fmt.Errorf("tasks: decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	_, _, err := h.Reconciler.Apply(ctx, u)
	if errors.Is(err, reconcile.ErrInvalidUpdate) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Register mounts the handler on mux.
func (h Handler) Register(mux *asynq.ServeMux) {
	mux.Handle(TypeReconcile, h)
}
