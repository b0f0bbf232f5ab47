// Package repositories persists cases, their message timelines and evidence
// snippets.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/opendx-health/opendx/internal/db"
	"github.com/opendx-health/opendx/internal/errors"
	"github.com/opendx-health/opendx/internal/models"
)

// ErrCaseNotFound is returned when a case does not exist or belongs to
// another user. The two situations are deliberately indistinguishable.
var ErrCaseNotFound = errors.NewSentinel("case not found")

type CaseRepository struct {
	dbs    *db.Database
	logger *slog.Logger
}

func NewCaseRepository(dbs *db.Database, logger *slog.Logger) *CaseRepository {
	return &CaseRepository{
		dbs:    dbs,
		logger: logger.With("source", "CaseRepository"),
	}
}

// messageRow carries the columns the models.Message struct does not, most
// notably the serialized structured payload.
type messageRow struct {
	models.Message
	StructuredPayload sql.NullString `db:"structured_payload"`
}

// Create inserts a new case owned by userID.
func (r *CaseRepository) Create(ctx context.Context, userID string, kase models.Case) error {
	stmt := `INSERT INTO cases (id, user_id, status, title, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.dbs.ReadWrite.ExecContext(ctx, stmt,
		kase.ID, userID, kase.Status, kase.Title, kase.CreatedAt, kase.UpdatedAt); err != nil {
		return errors.Wrap(err, "insert case", slog.String("case_id", kase.ID))
	}
	return nil
}

// FullCase loads a case with its ordered messages and evidence snippets.
func (r *CaseRepository) FullCase(ctx context.Context, caseID string, userID string) (models.Case, error) {
	var kase models.Case
	stmt := `SELECT id, status, title, created_at, updated_at
FROM cases WHERE id = ? AND user_id = ?`
	if err := r.dbs.ReadOnly.GetContext(ctx, &kase, stmt, caseID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Case{}, errors.Wrap(ErrCaseNotFound, "read case", slog.String("case_id", caseID))
		}
		return models.Case{}, errors.Wrap(err, "read case")
	}

	var rows []messageRow
	stmt = `SELECT id, type, stage, text, structured_payload, created_at
FROM messages WHERE case_id = ? ORDER BY seq`
	if err := r.dbs.ReadOnly.SelectContext(ctx, &rows, stmt, caseID); err != nil {
		return models.Case{}, errors.Wrap(err, "query messages")
	}
	for _, row := range rows {
		message := row.Message
		if row.StructuredPayload.Valid {
			if err := json.Unmarshal([]byte(row.StructuredPayload.String), &message.StructuredPayload); err != nil {
				// A corrupt payload degrades to text only.
				r.logger.LogAttrs(ctx, slog.LevelWarn, "dropping corrupt structured payload",
					slog.String("message_id", message.ID), errors.SlogError(err))
			}
		}
		kase.Messages = append(kase.Messages, message)
	}

	stmt = `SELECT id, source_id, citation, created_at
FROM evidence_snippets WHERE case_id = ? ORDER BY created_at, id`
	if err := r.dbs.ReadOnly.SelectContext(ctx, &kase.Evidence, stmt, caseID); err != nil {
		return models.Case{}, errors.Wrap(err, "query evidence")
	}

	return kase, nil
}

// Summaries lists the user's cases, most recently updated first.
func (r *CaseRepository) Summaries(ctx context.Context, userID string) ([]models.CaseSummary, error) {
	var summaries []models.CaseSummary
	stmt := `SELECT id, status, title, created_at, updated_at
FROM cases WHERE user_id = ? ORDER BY updated_at DESC, id`
	if err := r.dbs.ReadOnly.SelectContext(ctx, &summaries, stmt, userID); err != nil {
		return nil, errors.Wrap(err, "query case summaries")
	}
	return summaries, nil
}

// AppendMessage adds a message to the end of the case timeline and bumps the
// case's updated_at. The sequence number is derived from the previous
// message inside the same write transaction.
func (r *CaseRepository) AppendMessage(ctx context.Context, caseID string, message models.Message) error {
	var payload sql.NullString
	if message.StructuredPayload != nil {
		encoded, err := json.Marshal(message.StructuredPayload)
		if err != nil {
			return errors.Wrap(err, "marshal structured payload")
		}
		payload = sql.NullString{String: string(encoded), Valid: true}
	}

	stmt := `INSERT INTO messages (id, case_id, seq, type, stage, text, structured_payload, created_at)
SELECT @id, @case_id, COALESCE(MAX(seq) + 1, 0), @type, @stage, @text, @payload, @created_at
FROM messages WHERE case_id = @case_id`
	params := []any{
		sql.Named("id", message.ID),
		sql.Named("case_id", caseID),
		sql.Named("type", message.Type),
		sql.Named("stage", message.Stage),
		sql.Named("text", message.Text),
		sql.Named("payload", payload),
		sql.Named("created_at", message.CreatedAt),
	}
	if _, err := r.dbs.ReadWrite.ExecContext(ctx, stmt, params...); err != nil {
		return errors.Wrap(err, "insert message", slog.String("case_id", caseID))
	}
	return r.touch(ctx, caseID)
}

// SetStatus moves the case to the given status.
func (r *CaseRepository) SetStatus(ctx context.Context, caseID string, status models.CaseStatus) error {
	stmt := `UPDATE cases SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.dbs.ReadWrite.ExecContext(ctx, stmt, status, caseID)
	if err != nil {
		return errors.Wrap(err, "update case status", slog.String("case_id", caseID))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return errors.Wrap(ErrCaseNotFound, "update case status", slog.String("case_id", caseID))
	}
	return nil
}

// AddEvidence stores the snippets cited by the final answer.
func (r *CaseRepository) AddEvidence(ctx context.Context, caseID string, snippets []models.EvidenceSnippet) error {
	stmt := `INSERT INTO evidence_snippets (id, case_id, source_id, citation, created_at)
VALUES (?, ?, ?, ?, ?)`
	for _, snippet := range snippets {
		if _, err := r.dbs.ReadWrite.ExecContext(ctx, stmt,
			snippet.ID, caseID, snippet.SourceID, snippet.Citation, snippet.CreatedAt); err != nil {
			return errors.Wrap(err, "insert evidence snippet", slog.String("case_id", caseID))
		}
	}
	return r.touch(ctx, caseID)
}

func (r *CaseRepository) touch(ctx context.Context, caseID string) error {
	stmt := `UPDATE cases SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.dbs.ReadWrite.ExecContext(ctx, stmt, caseID); err != nil {
		return errors.Wrap(err, "touch case", slog.String("case_id", caseID))
	}
	return nil
}
