package diagnosis_test

import (
	"context"
	"io"
	"testing"

	"github.com/opendx-health/opendx/internal/db"
	"github.com/opendx-health/opendx/internal/diagnosis"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
	"github.com/opendx-health/opendx/internal/repositories"
	"github.com/opendx-health/opendx/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, string) (models.ResultPayload, []models.EvidenceSnippet, error) {
	return models.ResultPayload{}, nil, errors.New("model unavailable")
}

func newEngine(t *testing.T, completer diagnosis.Completer) (*diagnosis.Engine, *repositories.CaseRepository) {
	dbs, err := db.NewDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, dbs.Close())
	})
	logger := testhelpers.NewLogger(io.Discard)
	cases := repositories.NewCaseRepository(dbs, logger)
	return diagnosis.NewEngine(completer, cases, logger), cases
}

func drain(t *testing.T, events <-chan diagnosis.Event) []diagnosis.Event {
	t.Helper()
	var collected []diagnosis.Event
	for event := range events {
		collected = append(collected, event)
	}
	return collected
}

func TestEngineStart(t *testing.T) {
	engine, cases := newEngine(t, diagnosis.ScriptedCompleter{})
	ctx := context.Background()

	caseID, events, err := engine.Start(ctx, "user-1", "chest pain on exertion", "")
	require.NoError(t, err)

	collected := drain(t, events)
	require.Len(t, collected, 3)
	assert.Equal(t, diagnosis.EventCaseCreated, collected[0].Type)
	assert.Equal(t, caseID, collected[0].CaseID)
	assert.Equal(t, diagnosis.EventProgress, collected[1].Type)
	assert.Equal(t, "Analyzing symptoms...", collected[1].Message)
	assert.Equal(t, diagnosis.EventResult, collected[2].Type)
	assert.NotEmpty(t, collected[2].OverallReasoning)
	assert.Contains(t, collected[2].Predictions, "Stable angina")

	// The full timeline and evidence must be persisted by the time the
	// stream closes.
	kase, err := cases.FullCase(ctx, caseID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusCompleted, kase.Status)
	require.Len(t, kase.Messages, 3)
	assert.Equal(t, models.MessageTypeUser, kase.Messages[0].Type)
	assert.Equal(t, "chest pain on exertion", kase.Messages[0].Text)
	assert.Equal(t, models.MessageStageThinking, kase.Messages[1].Stage)
	assert.Equal(t, models.MessageStageFinal, kase.Messages[2].Stage)
	assert.Equal(t, collected[2].OverallReasoning, kase.Messages[2].Text)
	require.Len(t, kase.Evidence, 1)
}

func TestEngineCompleterFailure(t *testing.T) {
	engine, cases := newEngine(t, failingCompleter{})
	ctx := context.Background()

	caseID, events, err := engine.Start(ctx, "user-1", "chest pain", "")
	require.NoError(t, err)

	collected := drain(t, events)
	require.NotEmpty(t, collected)
	last := collected[len(collected)-1]
	assert.Equal(t, diagnosis.EventError, last.Type)
	assert.Equal(t, "The diagnosis model is unavailable. Please try again later.", last.Message)

	kase, err := cases.FullCase(ctx, caseID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusError, kase.Status)
	lastMessage := kase.Messages[len(kase.Messages)-1]
	assert.Equal(t, models.MessageStageError, lastMessage.Stage)
}

func TestEngineFollowUpContinuesCase(t *testing.T) {
	engine, cases := newEngine(t, diagnosis.ScriptedCompleter{})
	ctx := context.Background()

	existing := models.Case{
		ID:     "case-open",
		Status: models.CaseStatusCreated,
		Title:  "chest pain",
	}
	require.NoError(t, cases.Create(ctx, "user-1", existing))

	caseID, events, err := engine.Start(ctx, "user-1", "now radiating to the jaw", existing.ID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, caseID)

	collected := drain(t, events)
	require.NotEmpty(t, collected)
	assert.Equal(t, existing.ID, collected[0].CaseID)

	// The question lands on the existing case, no fresh one is created.
	kase, err := cases.FullCase(ctx, existing.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusCompleted, kase.Status)
	require.NotEmpty(t, kase.Messages)
	assert.Equal(t, models.MessageTypeUser, kase.Messages[0].Type)
	assert.Equal(t, "now radiating to the jaw", kase.Messages[0].Text)

	summaries, err := cases.Summaries(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestEngineFollowUpRejections(t *testing.T) {
	engine, cases := newEngine(t, diagnosis.ScriptedCompleter{})
	ctx := context.Background()

	closedID, events, err := engine.Start(ctx, "user-1", "chest pain", "")
	require.NoError(t, err)
	drain(t, events)

	t.Run("terminal case", func(t *testing.T) {
		_, _, err := engine.Start(ctx, "user-1", "one more thing", closedID)
		require.ErrorIs(t, err, diagnosis.ErrCaseClosed)
	})

	t.Run("unknown case", func(t *testing.T) {
		_, _, err := engine.Start(ctx, "user-1", "question", "case-missing")
		require.ErrorIs(t, err, repositories.ErrCaseNotFound)
	})

	t.Run("foreign case", func(t *testing.T) {
		require.NoError(t, cases.Create(ctx, "user-2", models.Case{
			ID:     "case-foreign",
			Status: models.CaseStatusCreated,
			Title:  "not yours",
		}))
		_, _, err := engine.Start(ctx, "user-1", "question", "case-foreign")
		require.ErrorIs(t, err, repositories.ErrCaseNotFound)
	})
}

func TestEngineAbandonedStream(t *testing.T) {
	engine, cases := newEngine(t, diagnosis.ScriptedCompleter{})
	ctx, cancel := context.WithCancel(context.Background())

	caseID, events, err := engine.Start(ctx, "user-1", "chest pain", "")
	require.NoError(t, err)

	// Nobody reads events; cancelling the context must unblock the run
	// goroutine so the stream still closes.
	cancel()
	drain(t, events)

	// The case itself survives for later retrieval.
	_, err = cases.FullCase(context.Background(), caseID, "user-1")
	require.NoError(t, err)
}
