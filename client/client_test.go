package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/entity"
	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/replay"
	"github.com/goliatone/go-durable/worker"
)

func newTestClient(t *testing.T, opts ...worker.RuntimeOption) (*Client, *worker.Runtime) {
	t.Helper()
	rt := worker.NewRuntime(worker.DefaultConfig(), opts...)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return New(rt), rt
}

func TestClientScheduleAndWait(t *testing.T) {
	c, rt := newTestClient(t)
	require.NoError(t, rt.Registry().AddOrchestrator("echo", func(ctx *replay.OrchestrationContext) (any, error) {
		var in string
		if err := ctx.GetInput(&in); err != nil {
			return nil, err
		}
		return in, nil
	}))

	id, err := c.Schedule(context.Background(), "echo", worker.WithStartInput("ping"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out string
	rec, err := c.WaitInto(ctx, id, &out)
	require.NoError(t, err)
	assert.Equal(t, durable.StatusCompleted, rec.Status)
	assert.Equal(t, "ping", out)
}

func TestClientScheduleDuplicateID(t *testing.T) {
	c, rt := newTestClient(t)
	require.NoError(t, rt.Registry().AddOrchestrator("noop", func(ctx *replay.OrchestrationContext) (any, error) {
		return nil, nil
	}))

	_, err := c.Schedule(context.Background(), "noop", worker.WithInstanceID("fixed-id"))
	require.NoError(t, err)

	_, err = c.Schedule(context.Background(), "noop", worker.WithInstanceID("fixed-id"))
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeDuplicateInstance, durable.ErrorCode(err))
}

func TestClientScheduleRequiresName(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Schedule(context.Background(), "  ")
	require.Error(t, err)
}

func TestClientEntityOperations(t *testing.T) {
	registry := entity.NewRegistry()
	require.NoError(t, registry.Add("counter", func(ctx *entity.Context) (any, error) {
		var count int
		if _, err := ctx.GetState(&count); err != nil {
			return nil, err
		}
		switch ctx.Operation() {
		case "add":
			var delta int
			if err := ctx.GetInput(&delta); err != nil {
				return nil, err
			}
			count += delta
			return count, ctx.SetState(count)
		case "get":
			return count, nil
		}
		return nil, nil
	}))
	c, _ := newTestClient(t, worker.WithEntityEngine(entity.NewEngine(registry)))
	counter := durable.NewEntityID("counter", "page")

	var total int
	require.NoError(t, c.CallEntity(context.Background(), counter, "add", 2, &total))
	assert.Equal(t, 2, total)

	require.NoError(t, c.SignalEntity(context.Background(), counter, "add", 3))

	// signals are async; poll the state
	require.Eventually(t, func() bool {
		var state int
		found, err := c.GetEntity(context.Background(), counter, &state)
		return err == nil && found && state == 5
	}, 2*time.Second, 10*time.Millisecond)

	found, err := c.GetEntity(context.Background(), durable.NewEntityID("counter", "missing"), nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientQueryAndPurge(t *testing.T) {
	c, rt := newTestClient(t)
	require.NoError(t, rt.Registry().AddOrchestrator("quick", func(ctx *replay.OrchestrationContext) (any, error) {
		return "done", nil
	}))

	ids := make([]string, 0, 3)
	for range 3 {
		id, err := c.Schedule(context.Background(), "quick")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rec, err := c.Wait(ctx, id)
		cancel()
		require.NoError(t, err)
		require.Equal(t, durable.StatusCompleted, rec.Status)
	}

	page, err := c.Query(context.Background(), history.Filter{
		Statuses: []durable.Status{durable.StatusCompleted},
	})
	require.NoError(t, err)
	assert.Len(t, page.Instances, 3)

	purged, err := c.Purge(context.Background(), history.Filter{
		Statuses: []durable.Status{durable.StatusCompleted},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, purged)

	rec, err := c.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Nil(t, rec)
}
