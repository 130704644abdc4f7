package automation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-engine/internal/models"
)

func TestBuildIdempotencyKey(t *testing.T) {
	a := BuildIdempotencyKey("rule-1", models.TriggerBoardCreated, "board-9")
	b := BuildIdempotencyKey("rule-1", models.TriggerBoardCreated, "board-9")
	assert.Equal(t, a, b)
	assert.Equal(t, "rule-1:board_created:board-9", a)
	assert.NotEqual(t, a, BuildIdempotencyKey("rule-1", models.TriggerFormSubmitted, "board-9"))
	assert.NotEqual(t, a, BuildIdempotencyKey("rule-2", models.TriggerBoardCreated, "board-9"))
}

func TestRunCreator_SecondCallReturnsNil(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.store.addRule(models.AutomationRule{ID: "rule-1", Name: "onboard", Trigger: models.TriggerBoardCreated})
	rule := e.store.rule("rule-1")
	tc := models.TriggerContext{TriggerType: models.TriggerBoardCreated, OccurrenceID: "board-9"}

	first, err := e.creator.Create(ctx, CreateRunParams{Rule: rule, TriggerContext: tc})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, models.RunPending, first.Status)
	assert.Equal(t, "s1", first.CurrentStepID)
	assert.Equal(t, "org-1", first.TriggerContext.OrganizationID)
	assert.Equal(t, models.ActorSystem, first.TriggeredBy)

	second, err := e.creator.Create(ctx, CreateRunParams{Rule: rule, TriggerContext: tc})
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, e.store.runList(), 1)
}

func TestRunCreator_ConcurrentSameOccurrenceYieldsOneRun(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.store.addRule(models.AutomationRule{ID: "rule-1", Name: "onboard", Trigger: models.TriggerBoardCreated})
	rule := e.store.rule("rule-1")
	tc := models.TriggerContext{TriggerType: models.TriggerBoardCreated, OccurrenceID: "board-9"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := e.creator.Create(ctx, CreateRunParams{Rule: rule, TriggerContext: tc})
			if err == nil && run != nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, e.store.runList(), 1)
}
