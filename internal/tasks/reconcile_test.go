package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/reconcile"
	"github.com/noah-isme/paygate/internal/tasks"
)

type fakeClient struct {
	seen  map[string]*asynq.Task
	tasks []*asynq.Task
	err   error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	var id, queue string
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			id = opt.Value().(string)
		case asynq.QueueOpt:
			queue = opt.Value().(string)
		}
	}
	if f.seen == nil {
		f.seen = make(map[string]*asynq.Task)
	}
	if _, ok := f.seen[id]; ok {
		return nil, asynq.ErrTaskIDConflict
	}
	f.seen[id] = task
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: id, Queue: queue, Type: task.Type()}, nil
}

func sampleUpdate() reconcile.Update {
	return reconcile.Update{
		Provider:   "stripe",
		ExternalID: "pi_1",
		Status:     payment.StatusCompleted,
		Amount:     decimal.RequireFromString("10.00"),
		Currency:   "USD",
		ObservedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Source:     reconcile.SourceWebhook,
	}
}

func TestEnqueuerCollapsesDuplicates(t *testing.T) {
	client := &fakeClient{}
	enq := tasks.Enqueuer{Client: client, Logger: zerolog.Nop()}

	require.NoError(t, enq.Submit(context.Background(), sampleUpdate()))
	require.NoError(t, enq.Submit(context.Background(), sampleUpdate()))
	require.Len(t, client.tasks, 1)
	require.Equal(t, tasks.TypeReconcile, client.tasks[0].Type())

	var decoded reconcile.Update
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &decoded))
	require.Equal(t, "pi_1", decoded.ExternalID)
	require.Equal(t, payment.StatusCompleted, decoded.Status)

	next := sampleUpdate()
	next.ObservedAt = next.ObservedAt.Add(time.Second)
	require.NoError(t, enq.Submit(context.Background(), next))
	require.Len(t, client.tasks, 2)
}

func TestEnqueuerPropagatesErrors(t *testing.T) {
	enq := tasks.Enqueuer{Client: &fakeClient{err: errors.New("redis down")}, Logger: zerolog.Nop()}
	require.Error(t, enq.Submit(context.Background(), sampleUpdate()))

	require.Error(t, tasks.Enqueuer{}.Submit(context.Background(), sampleUpdate()))
}

func TestTaskIDDependsOnObservation(t *testing.T) {
	a := sampleUpdate()
	b := sampleUpdate()
	require.Equal(t, tasks.TaskID(a), tasks.TaskID(b))
	b.Status = payment.StatusRefunded
	require.NotEqual(t, tasks.TaskID(a), tasks.TaskID(b))

	first := reconcile.Update{Provider: "stripe", ExternalID: "pi_1", Status: payment.StatusPending, ReceivedAt: time.Unix(100, 0)}
	second := first
	second.ReceivedAt = first.ReceivedAt.Add(time.Second)
	require.NotEqual(t, tasks.TaskID(first), tasks.TaskID(second))
}

func TestHandlerAppliesUpdate(t *testing.T) {
	rec := reconcile.New(reconcile.NewMemoryStore(), zerolog.Nop())
	handler := tasks.Handler{Reconciler: rec}

	task, err := tasks.NewReconcileTask(sampleUpdate())
	require.NoError(t, err)
	require.NoError(t, handler.ProcessTask(context.Background(), task))

	got, ok, err := rec.Current(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payment.StatusCompleted, got.Status)
	require.True(t, got.Amount.Equal(decimal.NewFromInt(10)))
}

func TestHandlerSkipsRetryForBadPayloads(t *testing.T) {
	handler := tasks.Handler{Reconciler: reconcile.New(reconcile.NewMemoryStore(), zerolog.Nop())}

	err := handler.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	invalid := sampleUpdate()
	invalid.ExternalID = ""
	task, err := tasks.NewReconcileTask(invalid)
	require.NoError(t, err)
	err = handler.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestInlineSink(t *testing.T) {
	rec := reconcile.New(reconcile.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, tasks.Inline{Reconciler: rec}.Submit(context.Background(), sampleUpdate()))
	_, ok, err := rec.Current(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHandlerRegistersOnMux(t *testing.T) {
	mux := asynq.NewServeMux()
	tasks.Handler{Reconciler: reconcile.New(reconcile.NewMemoryStore(), zerolog.Nop())}.Register(mux)

	task, err := tasks.NewReconcileTask(sampleUpdate())
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
}
