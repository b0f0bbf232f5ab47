package models

import "time"

// CaseStatus tracks a clinical case through its backend lifecycle. Once a
// case reaches CaseStatusCompleted or CaseStatusError it accepts no further
// questions.
type CaseStatus string

const (
	CaseStatusCreated    CaseStatus = "CREATED"
	CaseStatusProcessing CaseStatus = "PROCESSING"
	CaseStatusCompleted  CaseStatus = "COMPLETED"
	CaseStatusError      CaseStatus = "ERROR"
)

// Terminal reports whether the case accepts no further submissions.
func (s CaseStatus) Terminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusError
}

type MessageType string

const (
	MessageTypeUser   MessageType = "USER"
	MessageTypeAgent  MessageType = "AGENT"
	MessageTypeSystem MessageType = "SYSTEM"
)

// MessageStage qualifies agent and system messages. User messages carry no
// stage.
type MessageStage string

const (
	MessageStageNone     MessageStage = ""
	MessageStageThinking MessageStage = "THINKING"
	MessageStageFinal    MessageStage = "FINAL"
	MessageStageError    MessageStage = "ERROR"
)

// Message is one entry in a case conversation. The message list is
// append-only with a single exception: the text of the latest AGENT/FINAL
// message is grown in place while its answer is being revealed.
type Message struct {
	ID                string         `db:"id" json:"id"`
	Type              MessageType    `db:"type" json:"type"`
	Stage             MessageStage   `db:"stage" json:"stage,omitempty"`
	Text              string         `db:"text" json:"text"`
	StructuredPayload map[string]any `db:"-" json:"structured_payload,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// EvidenceSnippet is a literature reference backing an answer. Snippets are
// immutable once received and are only ever referenced by ID from rendered
// text.
type EvidenceSnippet struct {
	ID        string    `db:"id" json:"id"`
	SourceID  string    `db:"source_id" json:"source_id"`
	Citation  string    `db:"citation" json:"citation"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Case aggregates the conversation and evidence for one clinical question.
type Case struct {
	ID        string            `db:"id" json:"id"`
	Status    CaseStatus        `db:"status" json:"status"`
	Title     string            `db:"title" json:"title"`
	Messages  []Message         `json:"messages"`
	Evidence  []EvidenceSnippet `json:"evidence"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// CaseSummary is the listing projection of a case. It carries no messages or
// evidence.
type CaseSummary struct {
	ID        string     `db:"id" json:"id"`
	Status    CaseStatus `db:"status" json:"status"`
	Title     string     `db:"title" json:"title"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// ResultPayload is the structured body of a result event. All fields are
// optional on the wire; a missing overall_reasoning degrades to an empty
// answer text.
type ResultPayload struct {
	OverallReasoning string   `json:"overall_reasoning,omitempty"`
	Predictions      []string `json:"predictions,omitempty"`
	WarningDiagnosis []string `json:"warning_diagnosis,omitempty"`
	Actions          []string `json:"actions,omitempty"`
}
