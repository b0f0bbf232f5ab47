package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
)

// EventType discriminates the events a diagnosis stream can carry.
type EventType string

const (
	EventCaseCreated EventType = "case_created"
	EventProgress    EventType = "progress"
	EventResult      EventType = "result"
	EventError       EventType = "error"
)

// Event is one decoded notification from the wire. Exactly one of the
// variant fields is populated depending on Type.
type Event struct {
	Type EventType
	// CaseID identifies the case for case_created events.
	CaseID string
	// Text is the progress note for progress events.
	Text string
	// Result holds the structured payload for result events.
	Result *models.ResultPayload
	// Message is the server-reported description for error events.
	Message string
}

// Frames of interest start with this field marker. Anything else (comments,
// keep-alives) is skipped.
const dataMarker = "data: "

// Decoder turns raw frames into typed events. Malformed payloads are never
// fatal: they are logged and skipped so a single bad frame cannot abort the
// session.
type Decoder struct {
	logger *slog.Logger
}

func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{logger: logger.With("source", "stream.Decoder")}
}

// wirePayload is the superset envelope of all event variants. Result fields
// arrive at the top level next to the type discriminator.
type wirePayload struct {
	Type    string `json:"type"`
	CaseID  string `json:"case_id"`
	Message string `json:"message"`
	models.ResultPayload
}

// Decode parses one frame. The second return value is false when the frame
// carries no event and should be skipped.
func (d *Decoder) Decode(frame string) (Event, bool) {
	trimmed := strings.TrimSpace(frame)
	if !strings.HasPrefix(trimmed, dataMarker) {
		return Event{}, false
	}

	var payload wirePayload
	if err := json.Unmarshal([]byte(trimmed[len(dataMarker):]), &payload); err != nil {
		d.logger.Debug("skipping malformed frame", errors.SlogError(err))
		return Event{}, false
	}

	switch EventType(payload.Type) {
	case EventCaseCreated:
		return Event{Type: EventCaseCreated, CaseID: payload.CaseID}, true
	case EventProgress:
		return Event{Type: EventProgress, Text: payload.Message}, true
	case EventResult:
		result := payload.ResultPayload
		return Event{Type: EventResult, Result: &result}, true
	case EventError:
		return Event{Type: EventError, Message: payload.Message}, true
	default:
		d.logger.Debug("skipping event with unknown type", slog.String("type", payload.Type))
		return Event{}, false
	}
}
