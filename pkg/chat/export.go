package chat

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/arbor/pkg/snapshot"
	"github.com/go-go-golems/arbor/pkg/tree"
)

// ExportDocument is the portable form of a conversation: metadata plus the
// serialized tree envelope. The tree travels as plain maps and lists so the
// same document shape works for both JSON and YAML.
type ExportDocument struct {
	ID        string          `json:"id" yaml:"id"`
	ProjectID string          `json:"projectId,omitempty" yaml:"projectId,omitempty"`
	Title     string          `json:"title" yaml:"title"`
	Model     string          `json:"model,omitempty" yaml:"model,omitempty"`
	Draft     string          `json:"draft,omitempty" yaml:"draft,omitempty"`
	Prefs     GenerationPrefs `json:"prefs" yaml:"prefs"`
	Tree      any             `json:"tree" yaml:"tree"`
}

func (c *Conversation) ExportDocument() (*ExportDocument, error) {
	env, err := snapshot.Serialize(c.Tree)
	if err != nil {
		return nil, err
	}
	plain, err := plainify(env)
	if err != nil {
		return nil, err
	}
	return &ExportDocument{
		ID:        c.ID,
		ProjectID: c.ProjectID,
		Title:     c.Title,
		Model:     c.Model,
		Draft:     c.Draft,
		Prefs:     c.Prefs,
		Tree:      plain,
	}, nil
}

// WriteExport writes the conversation to w as JSON or YAML depending on
// format ("json" or "yaml").
func (c *Conversation) WriteExport(w io.Writer, format string) error {
	doc, err := c.ExportDocument()
	if err != nil {
		return err
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(doc), "encoding conversation export")
	case "yaml", "yml":
		return errors.Wrap(yaml.NewEncoder(w).Encode(doc), "encoding conversation export")
	default:
		return errors.Errorf("unknown export format %s", format)
	}
}

// ExportToFile writes the conversation to path, the format inferred from the
// file extension.
func (c *Conversation) ExportToFile(path string) error {
	format := formatForPath(path)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	return c.WriteExport(f, format)
}

// LoadFromFile reads a conversation export, JSON or YAML per the extension.
func LoadFromFile(path string) (*Conversation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var doc ExportDocument
	switch formatForPath(path) {
	case "yaml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrapf(err, "decoding yaml export %s", path)
		}
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrapf(err, "decoding json export %s", path)
		}
	}
	return fromDocument(&doc)
}

func fromDocument(doc *ExportDocument) (*Conversation, error) {
	c := NewConversation(doc.Title)
	if doc.ID != "" {
		c.ID = doc.ID
	}
	c.ProjectID = doc.ProjectID
	c.Model = doc.Model
	c.Draft = doc.Draft
	c.Prefs = doc.Prefs
	c.Tree = tree.NewConversationTree()
	if doc.Tree != nil {
		// funnel the plain value back through the codec's JSON entrypoint
		raw, err := json.Marshal(doc.Tree)
		if err != nil {
			return nil, errors.Wrap(err, "re-encoding tree for restore")
		}
		t, err := snapshot.Restore(raw)
		if err != nil {
			return nil, err
		}
		c.Tree = t
	}
	return c, nil
}

// plainify reduces the envelope to maps, lists and scalars.
func plainify(env *snapshot.Envelope) (any, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding tree envelope")
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, errors.Wrap(err, "decoding tree envelope")
	}
	return plain, nil
}

func formatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}
