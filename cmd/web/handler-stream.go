package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opendx-health/opendx/internal/contexthelpers"
	"github.com/opendx-health/opendx/internal/diagnosis"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
	"github.com/opendx-health/opendx/internal/repositories"
)

type submitRequest struct {
	Question string `json:"question"`
	CaseID   string `json:"case_id,omitempty"`
}

const (
	keepAliveInterval = 15 * time.Second
	// relayTimeout bounds how long the producer waits for a stream consumer
	// before giving up on live delivery. The case is persisted either way.
	relayTimeout = 30 * time.Second
)

// submitCaseStream starts a diagnosis for the submitted question and answers
// with the live SSE stream of it. A supplied case_id appends the question to
// that case as a follow-up instead of creating a fresh one.
func (app *application) submitCaseStream(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.apiError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Question == "" {
		app.apiError(w, http.StatusBadRequest, "question is required")
		return
	}
	userID := contexthelpers.AuthenticatedUserID(r.Context())

	// The diagnosis must finish and persist even when the client drops
	// mid-stream, so the engine runs on a context that survives the request.
	caseID, events, err := app.engine.Start(context.WithoutCancel(r.Context()), userID, req.Question, req.CaseID)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrCaseNotFound):
			app.apiError(w, http.StatusNotFound, "case not found")
		case errors.Is(err, diagnosis.ErrCaseClosed):
			app.apiError(w, http.StatusConflict, "case no longer accepts questions")
		default:
			app.serverError(w, r, errors.Wrap(err, "start diagnosis"))
		}
		return
	}

	relay := make(chan diagnosis.Event)
	app.streams.Open(caseID, relay)
	go app.pumpStream(caseID, relay, events)

	select {
	case claimed := <-app.streams.Claim(caseID):
		if claimed == nil {
			// The producer finished before we could claim; replay from
			// storage instead.
			app.replayStoredCase(w, r, caseID, userID)
			return
		}
		app.relaySSE(w, r, claimed)
	case <-r.Context().Done():
	}
}

// reattachCaseStream re-attaches to an in-flight diagnosis. The first
// re-attachment after a drop waits for the producer to finish and then
// replays the persisted case, which beats resuming a half-missed stream.
func (app *application) reattachCaseStream(w http.ResponseWriter, r *http.Request) {
	userID := contexthelpers.AuthenticatedUserID(r.Context())
	caseID := r.PathValue("caseID")

	if _, err := app.cases.FullCase(r.Context(), caseID, userID); err != nil {
		if errors.Is(err, repositories.ErrCaseNotFound) {
			app.apiError(w, http.StatusNotFound, "case not found")
			return
		}
		app.serverError(w, r, err)
		return
	}

	select {
	case claimed := <-app.streams.Claim(caseID):
		if claimed == nil {
			app.replayStoredCase(w, r, caseID, userID)
			return
		}
		app.relaySSE(w, r, claimed)
	case <-r.Context().Done():
	}
}

// pumpStream forwards engine events into the brokered relay. When no
// consumer keeps up, it stops relaying but keeps draining so the engine can
// finish persisting the case.
func (app *application) pumpStream(caseID string, relay chan diagnosis.Event, events <-chan diagnosis.Event) {
	defer func() {
		app.streams.Release(caseID)
		close(relay)
	}()
	for event := range events {
		select {
		case relay <- event:
		case <-time.After(relayTimeout):
			app.logger.Warn("stream consumer gone, draining", "case_id", caseID)
			for range events { //nolint:revive // drain so the producer unblocks.
			}
			return
		}
	}
}

func (app *application) relaySSE(w http.ResponseWriter, r *http.Request, events <-chan diagnosis.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		app.serverError(w, r, errors.New("response writer does not support streaming"))
		return
	}
	sseHeaders(w)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// replayStoredCase emits the terminal events a finished case would have
// streamed, reconstructed from storage.
func (app *application) replayStoredCase(w http.ResponseWriter, r *http.Request, caseID string, userID string) {
	kase, err := app.cases.FullCase(r.Context(), caseID, userID)
	if err != nil {
		app.serverError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		app.serverError(w, r, errors.New("response writer does not support streaming"))
		return
	}
	sseHeaders(w)

	events := []diagnosis.Event{{Type: diagnosis.EventCaseCreated, CaseID: kase.ID}}
	switch kase.Status {
	case models.CaseStatusCompleted:
		events = append(events, diagnosis.Event{
			Type:          diagnosis.EventResult,
			ResultPayload: storedResult(kase),
		})
	case models.CaseStatusError:
		events = append(events, diagnosis.Event{
			Type:    diagnosis.EventError,
			Message: lastErrorMessage(kase),
		})
	case models.CaseStatusCreated, models.CaseStatusProcessing:
		// Still in flight with no live stream to hand over; the client polls
		// or re-attaches later.
	}
	for _, event := range events {
		if err = writeSSE(w, event); err != nil {
			return
		}
	}
	flusher.Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event diagnosis.Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if _, err = fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// storedResult rebuilds the result payload from the final answer message.
func storedResult(kase models.Case) models.ResultPayload {
	for i := len(kase.Messages) - 1; i >= 0; i-- {
		message := kase.Messages[i]
		if message.Type != models.MessageTypeAgent || message.Stage != models.MessageStageFinal {
			continue
		}
		return models.ResultPayload{
			OverallReasoning: message.Text,
			Predictions:      stringSlice(message.StructuredPayload["predictions"]),
			WarningDiagnosis: stringSlice(message.StructuredPayload["warning_diagnosis"]),
			Actions:          stringSlice(message.StructuredPayload["actions"]),
		}
	}
	return models.ResultPayload{}
}

func lastErrorMessage(kase models.Case) string {
	for i := len(kase.Messages) - 1; i >= 0; i-- {
		if kase.Messages[i].Stage == models.MessageStageError {
			return kase.Messages[i].Text
		}
	}
	return "The case ended in an error."
}

// stringSlice converts a decoded JSON array back to strings, dropping
// anything that is not one.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
