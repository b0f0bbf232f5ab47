// Package diagnosis produces the answer for a submitted clinical question.
// The engine persists every step of the case while pushing progress, result
// and error events to the stream relaying them to the client.
package diagnosis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
	"github.com/opendx-health/opendx/internal/repositories"
	"github.com/sashabaranov/go-openai"
)

// Event is one frame payload of a diagnosis stream. The zero fields are
// omitted on the wire so each event type only carries what it needs.
type Event struct {
	Type    string `json:"type"`
	CaseID  string `json:"case_id,omitempty"`
	Message string `json:"message,omitempty"`
	models.ResultPayload
}

const (
	EventCaseCreated = "case_created"
	EventProgress    = "progress"
	EventResult      = "result"
	EventError       = "error"
)

// ErrCaseClosed rejects a follow-up question once the case reached a
// terminal status.
var ErrCaseClosed = errors.NewSentinel("case no longer accepts questions")

// Completer answers a clinical question. Implementations must be safe for
// concurrent use.
type Completer interface {
	Complete(ctx context.Context, question string) (models.ResultPayload, []models.EvidenceSnippet, error)
}

// Engine runs diagnoses: it creates the case, persists the timeline and
// emits the stream events in the order clients rely on.
type Engine struct {
	completer Completer
	cases     *repositories.CaseRepository
	logger    *slog.Logger
}

func NewEngine(completer Completer, cases *repositories.CaseRepository, logger *slog.Logger) *Engine {
	return &Engine{
		completer: completer,
		cases:     cases,
		logger:    logger.With("source", "diagnosis.Engine"),
	}
}

// Start launches the diagnosis for the question in a goroutine. An empty
// caseID creates a fresh case; a non-empty one continues an existing case of
// the same user, rejecting unknown cases with
// [repositories.ErrCaseNotFound] and terminal ones with [ErrCaseClosed].
// The returned channel is unbuffered and carries the events in order, ending
// with either a result or an error event, then closes.
func (e *Engine) Start(ctx context.Context, userID string, question string, caseID string) (string, <-chan Event, error) {
	now := time.Now()
	if caseID == "" {
		caseID = uuid.NewString()
		kase := models.Case{
			ID:        caseID,
			Status:    models.CaseStatusCreated,
			Title:     deriveTitle(question),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.cases.Create(ctx, userID, kase); err != nil {
			return "", nil, errors.Wrap(err, "create case")
		}
	} else {
		kase, err := e.cases.FullCase(ctx, caseID, userID)
		if err != nil {
			return "", nil, errors.Wrap(err, "load case for follow-up")
		}
		if kase.Status.Terminal() {
			return "", nil, errors.Wrap(ErrCaseClosed, "continue case",
				slog.String("status", string(kase.Status)))
		}
	}
	if err := e.cases.AppendMessage(ctx, caseID, models.Message{
		ID:        uuid.NewString(),
		Type:      models.MessageTypeUser,
		Text:      question,
		CreatedAt: now,
	}); err != nil {
		return "", nil, errors.Wrap(err, "persist question")
	}

	events := make(chan Event)
	go e.run(ctx, caseID, question, events)
	return caseID, events, nil
}

func (e *Engine) run(ctx context.Context, caseID string, question string, events chan<- Event) {
	defer close(events)

	fail := func(message string, err error) {
		e.logger.LogAttrs(ctx, slog.LevelError, "diagnosis failed",
			slog.String("case_id", caseID), errors.SlogError(err))
		e.persistError(ctx, caseID, message)
		e.emit(ctx, events, Event{Type: EventError, Message: message})
	}

	if err := e.cases.SetStatus(ctx, caseID, models.CaseStatusProcessing); err != nil {
		fail("The case could not be processed.", err)
		return
	}
	if !e.emit(ctx, events, Event{Type: EventCaseCreated, CaseID: caseID}) {
		return
	}

	progress := "Analyzing symptoms..."
	if err := e.cases.AppendMessage(ctx, caseID, models.Message{
		ID:        uuid.NewString(),
		Type:      models.MessageTypeSystem,
		Stage:     models.MessageStageThinking,
		Text:      progress,
		CreatedAt: time.Now(),
	}); err != nil {
		fail("The case could not be processed.", err)
		return
	}
	if !e.emit(ctx, events, Event{Type: EventProgress, Message: progress}) {
		return
	}

	result, evidence, err := e.completer.Complete(ctx, question)
	if err != nil {
		fail("The diagnosis model is unavailable. Please try again later.", err)
		return
	}

	if err = e.cases.AppendMessage(ctx, caseID, models.Message{
		ID:                uuid.NewString(),
		Type:              models.MessageTypeAgent,
		Stage:             models.MessageStageFinal,
		Text:              result.OverallReasoning,
		StructuredPayload: structuredPayload(result),
		CreatedAt:         time.Now(),
	}); err != nil {
		fail("The answer could not be stored.", err)
		return
	}
	if len(evidence) > 0 {
		if err = e.cases.AddEvidence(ctx, caseID, evidence); err != nil {
			fail("The answer could not be stored.", err)
			return
		}
	}
	if err = e.cases.SetStatus(ctx, caseID, models.CaseStatusCompleted); err != nil {
		fail("The answer could not be stored.", err)
		return
	}

	e.emit(ctx, events, Event{Type: EventResult, ResultPayload: result})
}

// emit sends an event unless the context is done. The events channel is
// unbuffered, so this blocks until the stream relay picks the event up.
func (e *Engine) emit(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) persistError(ctx context.Context, caseID string, message string) {
	if err := e.cases.AppendMessage(ctx, caseID, models.Message{
		ID:        uuid.NewString(),
		Type:      models.MessageTypeSystem,
		Stage:     models.MessageStageError,
		Text:      message,
		CreatedAt: time.Now(),
	}); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelError, "could not persist error message",
			slog.String("case_id", caseID), errors.SlogError(err))
	}
	if err := e.cases.SetStatus(ctx, caseID, models.CaseStatusError); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelError, "could not set error status",
			slog.String("case_id", caseID), errors.SlogError(err))
	}
}

func structuredPayload(result models.ResultPayload) map[string]any {
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
		return nil
	}
	return payload
}

const maxTitleLength = 80

func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTitleLength {
		return text
	}
	return string(runes[:maxTitleLength-1]) + "…"
}

const completionPrompt = `You are a clinical decision support assistant.
Given the clinician's question, respond with a JSON object with the keys
"overall_reasoning" (string), "predictions" (array of diagnosis strings
ordered by likelihood), "warning_diagnosis" (array of can't-miss diagnoses)
and "actions" (array of recommended next steps). Respond with JSON only.`

// OpenAICompleter asks a chat completion model for the structured diagnosis.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

func NewOpenAICompleter(apiKey string) *OpenAICompleter {
	return &OpenAICompleter{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4TurboPreview,
	}
}

const maxTokens = 4096

func (c *OpenAICompleter) Complete(ctx context.Context, question string) (models.ResultPayload, []models.EvidenceSnippet, error) {
	completion, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{ //nolint:exhaustruct // this is better for readability
			Model:     c.model,
			MaxTokens: maxTokens,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: completionPrompt},
				{Role: openai.ChatMessageRoleUser, Content: question},
			},
		},
	)
	if err != nil {
		return models.ResultPayload{}, nil, errors.Wrap(err, "create chat completion")
	}
	if len(completion.Choices) == 0 {
		return models.ResultPayload{}, nil, errors.New("completion returned no choices")
	}

	var result models.ResultPayload
	if err = json.Unmarshal([]byte(completion.Choices[0].Message.Content), &result); err != nil {
		return models.ResultPayload{}, nil, errors.Wrap(err, "decode completion payload")
	}
	return result, nil, nil
}

// ScriptedCompleter returns a canned answer regardless of the question. It
// backs local development and deterministic tests when no API key is
// configured.
type ScriptedCompleter struct {
	Delay time.Duration
}

func (c ScriptedCompleter) Complete(ctx context.Context, question string) (models.ResultPayload, []models.EvidenceSnippet, error) {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return models.ResultPayload{}, nil, errors.Wrap(ctx.Err(), "scripted completion")
		}
	}
	now := time.Now()
	return models.ResultPayload{
			OverallReasoning: "Based on the reported symptoms, the presentation is most consistent with the leading prediction below. Correlate clinically.",
			Predictions:      []string{"Stable angina", "Gastroesophageal reflux"},
			WarningDiagnosis: []string{"Acute coronary syndrome"},
			Actions:          []string{"12-lead ECG", "Troponin at 0 and 3 hours"},
		}, []models.EvidenceSnippet{
			{ID: uuid.NewString(), SourceID: "pubmed:31504425", Citation: "Gulati et al. 2021, Chest Pain Guideline", CreatedAt: now},
		}, nil
}
