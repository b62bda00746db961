package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/engine"
)

// MessageRecord is one flattened entry of a conversation's active path,
// normalized for listing and full-text search. The authoritative tree lives
// in the conversation's payload column.
type MessageRecord struct {
	ConversationID string `json:"conversationId" db:"conversation_id"`
	Position       int    `json:"position" db:"position"`
	BranchID       string `json:"branchId" db:"branch_id"`
	VersionID      string `json:"versionId" db:"version_id"`
	Role           string `json:"role" db:"role"`
	Text           string `json:"text" db:"text"`
	CreatedAtMs    int64  `json:"createdAtMs" db:"created_at_ms"`
}

type ReplaceAllResult struct {
	Skipped bool   `json:"skipped"`
	Digest  string `json:"digest"`
	Count   int    `json:"count"`
}

// MessageDigest is the content digest used for write coalescing. It covers
// branch/version ids, roles and text but not the conversation id, so the
// same content always hashes the same.
func MessageDigest(msgs []MessageRecord) string {
	h := sha256.New()
	for _, m := range msgs {
		raw, _ := json.Marshal(struct {
			BranchID    string `json:"b"`
			VersionID   string `json:"v"`
			Role        string `json:"r"`
			Text        string `json:"t"`
			CreatedAtMs int64  `json:"c"`
		}{m.BranchID, m.VersionID, m.Role, m.Text, m.CreatedAtMs})
		_, _ = h.Write(raw)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReplaceAllMessages rewrites the message set and full-text index for one
// conversation. That is the expensive path, so the write is skipped entirely
// when the content digest matches the last digest written for this
// conversation; streaming-driven flushes stay cheap because of this.
func (s *Store) ReplaceAllMessages(ctx context.Context, conversationID string, msgs []MessageRecord) (*ReplaceAllResult, error) {
	if conversationID == "" {
		return nil, errors.Wrap(engine.ErrValidation, "conversation id is empty")
	}

	digest := MessageDigest(msgs)

	var lastDigest string
	err := s.db.GetContext(ctx, &lastDigest,
		`SELECT message_digest FROM conversations WHERE id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(engine.ErrNotFound, "conversation %s", conversationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading last message digest")
	}
	if lastDigest == digest {
		return &ReplaceAllResult{Skipped: true, Digest: digest, Count: len(msgs)}, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning replace transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return nil, errors.Wrap(err, "clearing messages")
	}
	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE conversation_id = ?`, conversationID); err != nil {
			return nil, errors.Wrap(err, "clearing fts rows")
		}
	}

	for i := range msgs {
		m := msgs[i]
		m.ConversationID = conversationID
		m.Position = i
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO messages (conversation_id, position, branch_id, version_id, role, text, created_at_ms)
			 VALUES (:conversation_id, :position, :branch_id, :version_id, :role, :text, :created_at_ms)`,
			m); err != nil {
			return nil, errors.Wrapf(err, "inserting message %d", i)
		}
		if s.ftsEnabled && m.Text != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages_fts (text, conversation_id, branch_id) VALUES (?, ?, ?)`,
				m.Text, conversationID, m.BranchID); err != nil {
				return nil, errors.Wrapf(err, "indexing message %d", i)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_digest = ?, updated_at_ms = ? WHERE id = ?`,
		digest, nowMs(), conversationID); err != nil {
		return nil, errors.Wrap(err, "recording message digest")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing replace")
	}
	return &ReplaceAllResult{Skipped: false, Digest: digest, Count: len(msgs)}, nil
}

// AppendMessage adds one row at the end of the conversation's message list.
// The digest is cleared because the stored set no longer matches any
// replace-all payload.
func (s *Store) AppendMessage(ctx context.Context, m *MessageRecord) error {
	if m.ConversationID == "" {
		return errors.Wrap(engine.ErrValidation, "conversation id is empty")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning append transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var next sql.NullInt64
	if err := tx.GetContext(ctx, &next,
		`SELECT MAX(position) + 1 FROM messages WHERE conversation_id = ?`, m.ConversationID); err != nil {
		return errors.Wrap(err, "computing next position")
	}
	m.Position = int(next.Int64)
	if m.CreatedAtMs == 0 {
		m.CreatedAtMs = nowMs()
	}

	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO messages (conversation_id, position, branch_id, version_id, role, text, created_at_ms)
		 VALUES (:conversation_id, :position, :branch_id, :version_id, :role, :text, :created_at_ms)`,
		m); err != nil {
		return errors.Wrap(err, "appending message")
	}
	if s.ftsEnabled && m.Text != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages_fts (text, conversation_id, branch_id) VALUES (?, ?, ?)`,
			m.Text, m.ConversationID, m.BranchID); err != nil {
			return errors.Wrap(err, "indexing appended message")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_digest = '' WHERE id = ?`, m.ConversationID); err != nil {
		return errors.Wrap(err, "clearing message digest")
	}
	return errors.Wrap(tx.Commit(), "committing append")
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	ret := []MessageRecord{}
	err := s.db.SelectContext(ctx, &ret,
		`SELECT * FROM messages WHERE conversation_id = ? ORDER BY position ASC`, conversationID)
	return ret, errors.Wrap(err, "listing messages")
}

type SearchParams struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SearchHit struct {
	ConversationID string `json:"conversationId" db:"conversation_id"`
	BranchID       string `json:"branchId" db:"branch_id"`
	Snippet        string `json:"snippet" db:"snippet"`
}

// SearchMessages runs a full-text query over the indexed message texts,
// optionally scoped to one conversation. Without FTS5 it falls back to LIKE.
func (s *Store) SearchMessages(ctx context.Context, params SearchParams) ([]SearchHit, error) {
	if params.Query == "" {
		return nil, errors.Wrap(engine.ErrValidation, "empty search query")
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	ret := []SearchHit{}
	if s.ftsEnabled {
		q := `SELECT conversation_id, branch_id,
		             snippet(messages_fts, 0, '[', ']', '…', 12) AS snippet
		      FROM messages_fts WHERE messages_fts MATCH ?`
		args := []any{params.Query}
		if params.ConversationID != "" {
			q += ` AND conversation_id = ?`
			args = append(args, params.ConversationID)
		}
		q += ` ORDER BY rank LIMIT ?`
		args = append(args, limit)
		err := s.db.SelectContext(ctx, &ret, q, args...)
		return ret, errors.Wrap(err, "fts search")
	}

	q := `SELECT conversation_id, branch_id, substr(text, 1, 200) AS snippet
	      FROM messages WHERE text LIKE '%' || ? || '%'`
	args := []any{params.Query}
	if params.ConversationID != "" {
		q += ` AND conversation_id = ?`
		args = append(args, params.ConversationID)
	}
	q += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, limit)
	err := s.db.SelectContext(ctx, &ret, q, args...)
	return ret, errors.Wrap(err, "like search")
}
