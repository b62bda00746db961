package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/snapshot"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/tree"
)

// GenerationPrefs holds the sampling settings attached to a conversation.
// They ride along with saves so regenerations reuse the same settings.
type GenerationPrefs struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SystemText  string   `json:"system_text,omitempty" yaml:"system_text,omitempty"`
}

// Conversation is the in-memory unit the coordinator manages: metadata plus
// the branch tree. The tree field is replaced wholesale on every mutation,
// never edited in place.
type Conversation struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Draft is the unsent composer text, persisted so a reload restores it.
	Draft string          `json:"draft,omitempty"`
	Prefs GenerationPrefs `json:"prefs"`

	Archived bool `json:"archived,omitempty"`

	Tree *tree.ConversationTree `json:"-"`
}

func NewConversation(title string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Tree:      tree.NewConversationTree(),
	}
}

// Thread returns the flattened active path.
func (c *Conversation) Thread() []tree.ThreadEntry {
	if c.Tree == nil {
		return nil
	}
	return c.Tree.CurrentThread()
}

// ToRecord converts the conversation into its stored form, serializing the
// tree through the snapshot codec so only plain values cross the boundary.
func (c *Conversation) ToRecord() (*store.ConversationRecord, error) {
	env, err := snapshot.Serialize(c.Tree)
	if err != nil {
		return nil, err
	}
	treeJSON, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding tree envelope")
	}
	prefsJSON, err := json.Marshal(c.Prefs)
	if err != nil {
		return nil, errors.Wrap(err, "encoding generation prefs")
	}
	return &store.ConversationRecord{
		ID:          c.ID,
		ProjectID:   c.ProjectID,
		Title:       c.Title,
		Model:       c.Model,
		Draft:       c.Draft,
		PrefsJSON:   prefsJSON,
		TreeJSON:    treeJSON,
		Archived:    c.Archived,
		CreatedAtMs: c.CreatedAt.UnixMilli(),
	}, nil
}

// FromRecord rebuilds a conversation from its stored form.
func FromRecord(rec *store.ConversationRecord) (*Conversation, error) {
	c := &Conversation{
		ID:        rec.ID,
		ProjectID: rec.ProjectID,
		Title:     rec.Title,
		Model:     rec.Model,
		Draft:     rec.Draft,
		Archived:  rec.Archived,
		CreatedAt: time.UnixMilli(rec.CreatedAtMs),
		UpdatedAt: time.UnixMilli(rec.UpdatedAtMs),
		Tree:      tree.NewConversationTree(),
	}
	if len(rec.PrefsJSON) > 0 {
		if err := json.Unmarshal(rec.PrefsJSON, &c.Prefs); err != nil {
			return nil, errors.Wrap(err, "decoding generation prefs")
		}
	}
	if len(rec.TreeJSON) > 0 {
		t, err := snapshot.Restore([]byte(rec.TreeJSON))
		if err != nil {
			return nil, err
		}
		c.Tree = t
	}
	return c, nil
}

// MessageRows flattens the active path into the normalized rows the store
// indexes for search. Row timestamps come from version creation times so
// identical content always digests identically.
func (c *Conversation) MessageRows() []store.MessageRecord {
	thread := c.Thread()
	ret := make([]store.MessageRecord, 0, len(thread))
	for i, entry := range thread {
		if entry.Version == nil {
			continue
		}
		ret = append(ret, store.MessageRecord{
			ConversationID: c.ID,
			Position:       i,
			BranchID:       entry.Branch.ID.String(),
			VersionID:      entry.Version.ID.String(),
			Role:           string(entry.Branch.Role),
			Text:           entry.Version.Parts.Text(),
			CreatedAtMs:    entry.Version.CreatedAt.UnixMilli(),
		})
	}
	return ret
}
