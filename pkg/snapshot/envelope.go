package snapshot

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/tree"
)

// BranchEntry is one (id, branch) pair of the envelope's ordered branch list.
type BranchEntry struct {
	ID     tree.BranchID       `json:"id"`
	Branch *tree.MessageBranch `json:"branch"`
}

// Envelope is the plain, transport-safe form of a conversation tree. Branches
// travel as an ordered pair sequence rather than a map so the representation
// stays neutral across storage backends and languages; consumers must accept
// both the pair-sequence form and an already-restored mapping form (see
// UnmarshalJSON).
type Envelope struct {
	Branches      []BranchEntry   `json:"branches"`
	RootBranchIDs []tree.BranchID `json:"rootBranchIds"`
	CurrentPath   []tree.BranchID `json:"currentPath"`
}

type envelopeAlias struct {
	Branches      json.RawMessage `json:"branches"`
	RootBranchIDs []tree.BranchID `json:"rootBranchIds"`
	CurrentPath   []tree.BranchID `json:"currentPath"`
}

// UnmarshalJSON accepts the canonical pair-sequence form as well as a mapping
// from branch id to branch, which older payloads and intermediate code paths
// may hand us.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	e.RootBranchIDs = alias.RootBranchIDs
	e.CurrentPath = alias.CurrentPath
	e.Branches = nil

	if len(alias.Branches) == 0 {
		return nil
	}

	var entries []BranchEntry
	if err := json.Unmarshal(alias.Branches, &entries); err == nil {
		e.Branches = entries
		return nil
	}

	var mapping map[string]*tree.MessageBranch
	if err := json.Unmarshal(alias.Branches, &mapping); err != nil {
		return errors.Wrap(err, "branches are neither a pair sequence nor a mapping")
	}
	for id, b := range mapping {
		branchID, err := tree.ParseBranchID(id)
		if err != nil {
			return errors.Wrapf(err, "invalid branch id %q", id)
		}
		e.Branches = append(e.Branches, BranchEntry{ID: branchID, Branch: b})
	}
	sortEntries(e.Branches)
	return nil
}
