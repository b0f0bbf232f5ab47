package conversation_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opendx-health/opendx/internal/conversation"
	"github.com/opendx-health/opendx/internal/models"
	"github.com/opendx-health/opendx/internal/stream"
	"github.com/opendx-health/opendx/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

// scriptedTransport replays a fixed frame stream.
type scriptedTransport struct {
	payload string
}

func (t scriptedTransport) Open(_ context.Context, _ stream.SubmitRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(t.payload)), nil
}

// pipeTransport hands out a pipe so tests control frame pacing.
type pipeTransport struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newPipeTransport() *pipeTransport {
	r, w := io.Pipe()
	return &pipeTransport{reader: r, writer: w}
}

func (t *pipeTransport) Open(_ context.Context, _ stream.SubmitRequest) (io.ReadCloser, error) {
	return t.reader, nil
}

func (t *pipeTransport) emit(frame string) {
	_, _ = fmt.Fprintf(t.writer, "%s\n\n", frame)
}

func frames(lines ...string) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return b.String()
}

func waitForStatus(t *testing.T, c *conversation.Conversation, status models.CaseStatus) models.Case {
	t.Helper()
	var snapshot models.Case
	require.Eventually(t, func() bool {
		kase, ok := c.Case()
		if !ok || kase.Status != status {
			return false
		}
		snapshot = kase
		return true
	}, 2*time.Second, time.Millisecond)
	return snapshot
}

func TestSubmitEndToEnd(t *testing.T) {
	transport := scriptedTransport{payload: frames(
		`data: {"type":"case_created","case_id":"c1"}`,
		": keep-alive",
		`data: {"type":"progress","message":"Analyzing symptoms..."}`,
		`data: {"type":"result","overall_reasoning":"Likely angina","predictions":["Angina"]}`,
	)}
	c := conversation.New(transport, testhelpers.NewLogger(io.Discard),
		conversation.WithRevealInterval(time.Millisecond))

	require.NoError(t, c.Submit(context.Background(), "chest pain"))

	// The final answer must finish revealing character by character.
	var final models.Case
	require.Eventually(t, func() bool {
		kase, ok := c.Case()
		if !ok || kase.Status != models.CaseStatusCompleted || len(kase.Messages) != 3 {
			return false
		}
		final = kase
		return final.Messages[2].Text == "Likely angina"
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, "c1", final.ID)
	require.Equal(t, models.MessageTypeUser, final.Messages[0].Type)
	require.Equal(t, "chest pain", final.Messages[0].Text)
	require.Equal(t, models.MessageTypeSystem, final.Messages[1].Type)
	require.Equal(t, models.MessageStageThinking, final.Messages[1].Stage)
	require.Equal(t, "Analyzing symptoms...", final.Messages[1].Text)
	require.Equal(t, models.MessageTypeAgent, final.Messages[2].Type)
	require.Equal(t, models.MessageStageFinal, final.Messages[2].Stage)
	require.Equal(t, []string{"Angina"}, final.Messages[2].StructuredPayload["predictions"])
}

func TestSubmitRejectedWhileSessionActive(t *testing.T) {
	transport := newPipeTransport()
	defer transport.writer.Close()
	c := conversation.New(transport, testhelpers.NewLogger(io.Discard))

	require.NoError(t, c.Submit(context.Background(), "first question"))
	go transport.emit(`data: {"type":"case_created","case_id":"c1"}`)
	waitForStatus(t, c, models.CaseStatusProcessing)

	err := c.Submit(context.Background(), "second question")
	require.ErrorIs(t, err, conversation.ErrSessionActive)

	// The rejected submission must not append a message.
	kase, ok := c.Case()
	require.True(t, ok)
	require.Len(t, kase.Messages, 1)

	c.Stop()
}

func TestSubmitRejectedOnTerminalCase(t *testing.T) {
	for _, terminal := range []struct {
		name   string
		frames string
	}{
		{name: "completed", frames: frames(
			`data: {"type":"case_created","case_id":"c1"}`,
			`data: {"type":"result","overall_reasoning":"ok"}`,
		)},
		{name: "errored", frames: frames(
			`data: {"type":"case_created","case_id":"c1"}`,
			`data: {"type":"error","message":"model unavailable"}`,
		)},
	} {
		t.Run(terminal.name, func(t *testing.T) {
			c := conversation.New(scriptedTransport{payload: terminal.frames},
				testhelpers.NewLogger(io.Discard),
				conversation.WithRevealInterval(time.Millisecond))
			require.NoError(t, c.Submit(context.Background(), "question"))

			require.Eventually(t, func() bool {
				kase, ok := c.Case()
				return ok && kase.Status.Terminal() && !c.Active()
			}, 2*time.Second, time.Millisecond)

			require.ErrorIs(t, c.Submit(context.Background(), "another"),
				conversation.ErrCaseClosed)
		})
	}
}

func TestServerErrorSurfacesAsMessage(t *testing.T) {
	c := conversation.New(scriptedTransport{payload: frames(
		`data: {"type":"case_created","case_id":"c1"}`,
		`data: {"type":"error","message":"model unavailable"}`,
	)}, testhelpers.NewLogger(io.Discard))
	require.NoError(t, c.Submit(context.Background(), "question"))

	kase := waitForStatus(t, c, models.CaseStatusError)
	last := kase.Messages[len(kase.Messages)-1]
	require.Equal(t, models.MessageTypeSystem, last.Type)
	require.Equal(t, models.MessageStageError, last.Stage)
	require.Equal(t, "model unavailable", last.Text)
}

func TestStopDuringStreaming(t *testing.T) {
	transport := newPipeTransport()
	defer transport.writer.Close()
	c := conversation.New(transport, testhelpers.NewLogger(io.Discard))

	require.NoError(t, c.Submit(context.Background(), "question"))
	go func() {
		transport.emit(`data: {"type":"case_created","case_id":"c1"}`)
		transport.emit(`data: {"type":"progress","message":"first note"}`)
	}()

	require.Eventually(t, func() bool {
		kase, ok := c.Case()
		return ok && len(kase.Messages) == 2
	}, 2*time.Second, time.Millisecond)

	c.Stop()
	require.Eventually(t, func() bool { return !c.Active() }, 2*time.Second, time.Millisecond)

	// A cancelled stream appends no further message and leaves the status
	// alone: no forced ERROR, no forced COMPLETED.
	kase, ok := c.Case()
	require.True(t, ok)
	require.Len(t, kase.Messages, 2)
	require.Equal(t, models.CaseStatusProcessing, kase.Status)

	// Stop is safe to repeat with no session active.
	c.Stop()
}

func TestTransportFailureSetsErrorStatus(t *testing.T) {
	c := conversation.New(failingTransport{err: stream.ErrUnauthorized},
		testhelpers.NewLogger(io.Discard))
	require.NoError(t, c.Submit(context.Background(), "question"))

	kase := waitForStatus(t, c, models.CaseStatusError)
	last := kase.Messages[len(kase.Messages)-1]
	require.Contains(t, last.Text, "not authorized")
}

type failingTransport struct {
	err error
}

func (t failingTransport) Open(_ context.Context, _ stream.SubmitRequest) (io.ReadCloser, error) {
	return nil, t.err
}

func TestRevealMonotonicAndReferencesAtomic(t *testing.T) {
	c := conversation.New(scriptedTransport{payload: frames(
		`data: {"type":"case_created","case_id":"c1"}`,
		`data: {"type":"result","overall_reasoning":"Likely angina"}`,
	)}, testhelpers.NewLogger(io.Discard), conversation.WithRevealInterval(time.Millisecond))

	// Seed evidence as it would arrive on case load.
	c.Load(models.Case{
		ID:     "c1",
		Status: models.CaseStatusCreated,
		Evidence: []models.EvidenceSnippet{
			{ID: "e1", SourceID: "pubmed:123", Citation: "Smith et al. 2019"},
			{ID: "e2", SourceID: "pubmed:456"},
		},
	})

	full := "Likely angina"
	var mu sync.Mutex
	var observed []string
	c.Subscribe(func() {
		kase, ok := c.Case()
		if !ok || len(kase.Messages) == 0 {
			return
		}
		last := kase.Messages[len(kase.Messages)-1]
		if last.Type != models.MessageTypeAgent {
			return
		}
		mu.Lock()
		observed = append(observed, last.Text)
		mu.Unlock()
	})

	require.NoError(t, c.Submit(context.Background(), "chest pain"))

	wantFinal := full + "\n\nReferences:\n1. Smith et al. 2019\n2. pubmed:456"
	require.Eventually(t, func() bool {
		kase, ok := c.Case()
		if !ok || len(kase.Messages) == 0 {
			return false
		}
		return kase.Messages[len(kase.Messages)-1].Text == wantFinal
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	previous := 0
	for _, text := range observed {
		// Every observed state is either a prefix of the finalized text or
		// the finalized text with the complete references block: the block
		// lands in one mutation, never piecemeal.
		if len(text) <= len(full) {
			require.Equal(t, full[:len(text)], text)
			require.GreaterOrEqual(t, len(text), previous, "reveal must be monotonic")
			previous = len(text)
		} else {
			require.Equal(t, wantFinal, text)
		}
	}
}

func TestResetSilencesStaleReveal(t *testing.T) {
	c := conversation.New(scriptedTransport{payload: frames(
		`data: {"type":"case_created","case_id":"c1"}`,
		`data: {"type":"result","overall_reasoning":"a long answer that keeps revealing"}`,
	)}, testhelpers.NewLogger(io.Discard), conversation.WithRevealInterval(50*time.Millisecond))

	require.NoError(t, c.Submit(context.Background(), "question"))
	waitForStatus(t, c, models.CaseStatusCompleted)

	c.Reset()
	_, ok := c.Case()
	require.False(t, ok)

	// Stale ticks must not resurrect the old case.
	time.Sleep(200 * time.Millisecond)
	_, ok = c.Case()
	require.False(t, ok)
}

func TestEmptyResultDegradesToEmptyAnswer(t *testing.T) {
	c := conversation.New(scriptedTransport{payload: frames(
		`data: {"type":"case_created","case_id":"c1"}`,
		`data: {"type":"result"}`,
	)}, testhelpers.NewLogger(io.Discard), conversation.WithRevealInterval(time.Millisecond))

	require.NoError(t, c.Submit(context.Background(), "question"))
	kase := waitForStatus(t, c, models.CaseStatusCompleted)

	last := kase.Messages[len(kase.Messages)-1]
	require.Equal(t, models.MessageTypeAgent, last.Type)
	require.Equal(t, "", last.Text)
}
