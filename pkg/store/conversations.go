package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/engine"
)

// ConversationRecord is the stored form of a conversation: metadata columns
// plus the serialized tree envelope as a JSON payload. Keeping the tree as
// one payload per row lets the branch schema evolve without column churn;
// the normalized messages table exists separately for full-text search.
type ConversationRecord struct {
	ID            string          `json:"id" db:"id"`
	ProjectID     string          `json:"projectId" db:"project_id"`
	Title         string          `json:"title" db:"title"`
	Model         string          `json:"model" db:"model"`
	Draft         string          `json:"draft" db:"draft"`
	PrefsJSON     json.RawMessage `json:"prefs" db:"prefs_json"`
	TreeJSON      json.RawMessage `json:"tree" db:"tree_json"`
	MessageDigest string          `json:"-" db:"message_digest"`
	Archived      bool            `json:"archived" db:"archived"`
	CreatedAtMs   int64           `json:"createdAtMs" db:"created_at_ms"`
	UpdatedAtMs   int64           `json:"updatedAtMs" db:"updated_at_ms"`
}

// fillDefaults replaces nil JSON payloads with empty objects. A nil
// json.RawMessage binds as SQL NULL, which the NOT NULL payload columns
// reject.
func (rec *ConversationRecord) fillDefaults() {
	if rec.PrefsJSON == nil {
		rec.PrefsJSON = json.RawMessage(`{}`)
	}
	if rec.TreeJSON == nil {
		rec.TreeJSON = json.RawMessage(`{}`)
	}
}

func (s *Store) CreateConversation(ctx context.Context, rec *ConversationRecord) error {
	if rec.ID == "" {
		return errors.Wrap(engine.ErrValidation, "conversation id is empty")
	}
	now := nowMs()
	if rec.CreatedAtMs == 0 {
		rec.CreatedAtMs = now
	}
	rec.UpdatedAtMs = now
	rec.fillDefaults()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO conversations
		 (id, project_id, title, model, draft, prefs_json, tree_json, archived, created_at_ms, updated_at_ms)
		 VALUES (:id, :project_id, :title, :model, :draft, :prefs_json, :tree_json, :archived, :created_at_ms, :updated_at_ms)`,
		rec)
	return errors.Wrap(err, "creating conversation")
}

// SaveConversation upserts metadata and the tree payload. The message digest
// column is owned by ReplaceAllMessages and left untouched here.
func (s *Store) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	if rec.ID == "" {
		return errors.Wrap(engine.ErrValidation, "conversation id is empty")
	}
	now := nowMs()
	if rec.CreatedAtMs == 0 {
		rec.CreatedAtMs = now
	}
	rec.UpdatedAtMs = now
	rec.fillDefaults()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO conversations
		 (id, project_id, title, model, draft, prefs_json, tree_json, archived, created_at_ms, updated_at_ms)
		 VALUES (:id, :project_id, :title, :model, :draft, :prefs_json, :tree_json, :archived, :created_at_ms, :updated_at_ms)
		 ON CONFLICT(id) DO UPDATE SET
		   project_id = excluded.project_id,
		   title = excluded.title,
		   model = excluded.model,
		   draft = excluded.draft,
		   prefs_json = excluded.prefs_json,
		   tree_json = excluded.tree_json,
		   archived = excluded.archived,
		   updated_at_ms = excluded.updated_at_ms`,
		rec)
	return errors.Wrap(err, "saving conversation")
}

func (s *Store) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	var rec ConversationRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(engine.ErrNotFound, "conversation %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting conversation")
	}
	return &rec, nil
}

type ListConversationsFilter struct {
	ProjectID       string `json:"projectId,omitempty"`
	IncludeArchived bool   `json:"includeArchived,omitempty"`
}

func (s *Store) ListConversations(ctx context.Context, filter ListConversationsFilter) ([]ConversationRecord, error) {
	q := `SELECT * FROM conversations WHERE 1=1`
	args := []any{}
	if filter.ProjectID != "" {
		q += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if !filter.IncludeArchived {
		q += ` AND archived = 0`
	}
	q += ` ORDER BY updated_at_ms DESC`

	ret := []ConversationRecord{}
	err := s.db.SelectContext(ctx, &ret, q, args...)
	return ret, errors.Wrap(err, "listing conversations")
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning delete transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "deleting conversation")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return errors.Wrap(err, "deleting conversation messages")
	}
	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE conversation_id = ?`, id); err != nil {
			return errors.Wrap(err, "deleting conversation fts rows")
		}
	}
	return errors.Wrap(tx.Commit(), "committing delete")
}

func (s *Store) SetConversationArchived(ctx context.Context, id string, archived bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET archived = ?, updated_at_ms = ? WHERE id = ?`,
		archived, nowMs(), id)
	if err != nil {
		return errors.Wrap(err, "updating archived flag")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Wrapf(engine.ErrNotFound, "conversation %s", id)
	}
	return nil
}
