package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-engine/internal/config"
	"automation-engine/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := config.Config{QueueName: "queue:executions", DLQName: "queue:executions:dlq", VisibilityTimeout: time.Minute}
	return NewRedisQueue(client, cfg), mr
}

func testMessage(runID string) models.ExecutionMessage {
	return models.ExecutionMessage{
		AutomationRuleID: "rule-1",
		WorkflowRunID:    runID,
		OrganizationID:   "org-1",
		TriggerContext: models.TriggerContext{
			TriggerType:    models.TriggerBoardCreated,
			OccurrenceID:   "board-9",
			OrganizationID: "org-1",
			Metadata:       map[string]any{"boardId": "board-9"},
		},
	}
}

func TestPublishDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	require.NoError(t, q.Publish(ctx, testMessage("run-1")))
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "run-1", d.ID)
	assert.Equal(t, "rule-1", d.Message.AutomationRuleID)
	assert.Equal(t, "board-9", d.Message.TriggerContext.OccurrenceID)
	assert.Equal(t, 0, d.Attempts)

	inflight, err := q.InflightDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inflight)

	require.NoError(t, q.Ack(ctx, d.ID))
	inflight, _ = q.InflightDepth(ctx)
	assert.EqualValues(t, 0, inflight)
	assert.False(t, mr.Exists("queue:executions:meta:run-1"))

	empty, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestDequeueAfterAckReportsMissingMessage(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Publish(ctx, testMessage("run-1")))
	require.NoError(t, q.Publish(ctx, testMessage("run-1")))

	first, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, first.ID))

	second, err := q.DequeueWithLease(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMessageMissing))
	require.NotNil(t, second)
	assert.Equal(t, "run-1", second.ID)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Publish(ctx, testMessage("run-1")))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "lease still valid")

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, ids)

	depth, _ := q.ReadyDepth(ctx)
	assert.EqualValues(t, 1, depth)
}

func TestScheduleAndPromoteKeepsPayloadAndAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Publish(ctx, testMessage("run-1")))
	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	attempts, err := q.IncrAttempts(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	require.NoError(t, q.Release(ctx, d.ID))
	runAt := time.Now().Add(time.Minute)
	require.NoError(t, q.Schedule(ctx, d.ID, runAt))

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "rule-1", again.Message.AutomationRuleID)
}

func TestCancelRemovesPendingDelivery(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Publish(ctx, testMessage("run-1")))
	require.NoError(t, q.Publish(ctx, testMessage("run-2")))
	require.NoError(t, q.Cancel(ctx, "run-1"))

	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-2", d.ID)
}

func TestDLQPush(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	d := Delivery{ID: "run-1", Message: testMessage("run-1"), Attempts: 5}
	require.NoError(t, q.DLQPush(ctx, d, errors.New("postgres unavailable")))

	entries, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got deadLetter
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &got))
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, "postgres unavailable", got.Error)
	assert.Equal(t, "run-1", got.Message.WorkflowRunID)
}

func TestPublishRequiresRunID(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Error(t, q.Publish(context.Background(), models.ExecutionMessage{}))
}
