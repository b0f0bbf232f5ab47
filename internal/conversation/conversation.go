// Package conversation holds the client-side aggregate for one clinical
// case: the ordered message list, the active stream session and the
// typewriter reveal of the final answer. All mutation happens behind one
// mutex so event handling keeps the run-to-completion ordering the backend
// stream guarantees.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
	"github.com/opendx-health/opendx/internal/stream"
)

var (
	// ErrSessionActive rejects a submission while a stream is being ingested.
	ErrSessionActive = errors.NewSentinel("a streaming session is already active")
	// ErrCaseClosed rejects a submission once the case reached a terminal status.
	ErrCaseClosed = errors.NewSentinel("case no longer accepts questions")
)

const (
	defaultRevealInterval = 20 * time.Millisecond
	maxTitleLength        = 80
)

// Option configures a Conversation.
type Option func(*Conversation)

// WithRevealInterval overrides the per-character typewriter delay.
func WithRevealInterval(interval time.Duration) Option {
	return func(c *Conversation) {
		c.revealInterval = interval
	}
}

// Conversation owns the case aggregate and its active stream session. It is
// the sole mutation point: session event handlers and typewriter ticks both
// funnel through its mutex, and the presentation layer only ever receives
// snapshots via Case().
type Conversation struct {
	mu             sync.Mutex
	logger         *slog.Logger
	transport      stream.Transport
	revealInterval time.Duration

	current *models.Case
	session *stream.Session
	active  bool
	// generation invalidates stale session results and typewriter ticks
	// after Reset replaces the case.
	generation  int
	subscribers []func()
}

// New creates a conversation that opens streams through the given transport.
func New(transport stream.Transport, logger *slog.Logger, opts ...Option) *Conversation {
	c := &Conversation{
		logger:         logger.With("source", "conversation"),
		transport:      transport,
		revealInterval: defaultRevealInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn to run after every mutation of the aggregate.
// Callbacks run outside the conversation lock, so they may safely call
// Case().
func (c *Conversation) Subscribe(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Conversation) notify() {
	c.mu.Lock()
	subscribers := append([]func(){}, c.subscribers...)
	c.mu.Unlock()
	for _, fn := range subscribers {
		fn()
	}
}

// Case returns a snapshot of the current case. The second return value is
// false when nothing has been submitted or loaded yet.
func (c *Conversation) Case() (models.Case, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return models.Case{}, false
	}
	snapshot := *c.current
	snapshot.Messages = append([]models.Message(nil), c.current.Messages...)
	snapshot.Evidence = append([]models.EvidenceSnippet(nil), c.current.Evidence...)
	return snapshot, true
}

// Active reports whether a stream session is currently being ingested.
func (c *Conversation) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Load seeds the conversation with a persisted case, evidence included. Any
// previous case is torn down as in Reset.
func (c *Conversation) Load(kase models.Case) {
	c.mu.Lock()
	c.teardownLocked()
	c.current = &kase
	c.mu.Unlock()
	c.notify()
}

// Reset tears down the current case and session so a new question can start
// a fresh case. Stale typewriter ticks for the old case are silenced by the
// generation and case-id guards.
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.teardownLocked()
	c.current = nil
	c.mu.Unlock()
	c.notify()
}

func (c *Conversation) teardownLocked() {
	if c.session != nil {
		c.session.Cancel()
		c.session = nil
	}
	c.active = false
	c.generation++
}

// Submit appends the user's question and starts a stream session for it.
// It fails synchronously with ErrSessionActive while a session is running
// and with ErrCaseClosed once the case is COMPLETED or ERROR; neither
// failure mutates the aggregate or reaches the network.
func (c *Conversation) Submit(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return errors.Wrap(ErrSessionActive, "submit")
	}
	if c.current != nil && c.current.Status.Terminal() {
		c.mu.Unlock()
		return errors.Wrap(ErrCaseClosed, "submit", slog.String("status", string(c.current.Status)))
	}

	now := time.Now()
	if c.current == nil {
		c.current = &models.Case{
			Status:    models.CaseStatusCreated,
			Title:     deriveTitle(text),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	c.appendLocked(models.Message{
		ID:        uuid.NewString(),
		Type:      models.MessageTypeUser,
		Text:      text,
		CreatedAt: now,
	})

	generation := c.generation
	session := stream.NewSession(c.transport, func(event stream.Event) {
		c.handleEvent(generation, event)
	}, c.logger)
	c.session = session
	c.active = true
	req := stream.SubmitRequest{Question: text, CaseID: c.current.ID}
	c.mu.Unlock()

	c.notify()
	go c.run(ctx, session, req, generation)
	return nil
}

// Stop cancels the active session, if any. The case status stays whatever it
// was at cancellation; user-initiated stops are not errors and append no
// message.
func (c *Conversation) Stop() {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

func (c *Conversation) run(ctx context.Context, session *stream.Session, req stream.SubmitRequest, generation int) {
	err := session.Run(ctx, req)

	c.mu.Lock()
	if generation != c.generation {
		// The case was replaced while the session wound down.
		c.mu.Unlock()
		return
	}
	c.active = false
	c.session = nil
	if err != nil && session.State() != stream.StateCancelled {
		c.logger.Warn("stream session failed", errors.SlogError(err))
		message := "The diagnosis stream ended unexpectedly. Please try again."
		if errors.Is(err, stream.ErrUnauthorized) {
			message = "Your session is not authorized. Please sign in again."
		}
		c.applyErrorLocked(message)
	}
	c.mu.Unlock()
	c.notify()
}

// handleEvent is the single dispatcher for decoded stream events. It runs on
// the session goroutine; the mutex restores run-to-completion semantics with
// respect to typewriter ticks and reader snapshots. A handler that lost the
// race with Load or Reset carries a stale generation and must not touch the
// replacement case.
func (c *Conversation) handleEvent(generation int, event stream.Event) {
	c.mu.Lock()
	if generation != c.generation || c.current == nil {
		c.mu.Unlock()
		return
	}

	switch event.Type {
	case stream.EventCaseCreated:
		// Idempotent: repeats with the same id are accepted silently.
		switch c.current.ID {
		case "", event.CaseID:
			c.current.ID = event.CaseID
			c.current.Status = models.CaseStatusProcessing
			c.current.UpdatedAt = time.Now()
		default:
			c.logger.Warn("ignoring case_created for foreign case",
				slog.String("case_id", event.CaseID),
				slog.String("current_case_id", c.current.ID))
		}

	case stream.EventProgress:
		c.appendLocked(models.Message{
			ID:        uuid.NewString(),
			Type:      models.MessageTypeSystem,
			Stage:     models.MessageStageThinking,
			Text:      event.Text,
			CreatedAt: time.Now(),
		})

	case stream.EventResult:
		c.current.Status = models.CaseStatusCompleted
		full, payload := displayText(event.Result)
		c.appendLocked(models.Message{
			ID:                uuid.NewString(),
			Type:              models.MessageTypeAgent,
			Stage:             models.MessageStageFinal,
			Text:              "",
			StructuredPayload: payload,
			CreatedAt:         time.Now(),
		})
		c.startRevealLocked(full)

	case stream.EventError:
		c.applyErrorLocked(event.Message)
	}

	c.mu.Unlock()
	c.notify()
}

func (c *Conversation) appendLocked(message models.Message) {
	c.current.Messages = append(c.current.Messages, message)
	c.current.UpdatedAt = time.Now()
}

func (c *Conversation) applyErrorLocked(message string) {
	c.current.Status = models.CaseStatusError
	c.appendLocked(models.Message{
		ID:        uuid.NewString(),
		Type:      models.MessageTypeSystem,
		Stage:     models.MessageStageError,
		Text:      message,
		CreatedAt: time.Now(),
	})
}

// displayText derives the reveal text and the structured payload map from a
// result. A malformed or empty payload degrades to an empty answer instead
// of failing the session; the structured fields are rendered by the
// presentation layer.
func displayText(result *models.ResultPayload) (string, map[string]any) {
	if result == nil {
		return "", nil
	}
	payload := make(map[string]any)
	if len(result.Predictions) > 0 {
		payload["predictions"] = result.Predictions
	}
	if len(result.WarningDiagnosis) > 0 {
		payload["warning_diagnosis"] = result.WarningDiagnosis
	}
	if len(result.Actions) > 0 {
		payload["actions"] = result.Actions
	}
	if len(payload) == 0 {
		payload = nil
	}
	return result.OverallReasoning, payload
}

func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTitleLength {
		return text
	}
	return string(runes[:maxTitleLength-1]) + "…"
}
