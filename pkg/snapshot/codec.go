package snapshot

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/tree"
)

// ErrSerialization marks a value that could not be reduced to plain data.
// It must surface here, at the codec gate, never at the storage boundary.
var ErrSerialization = errors.New("value is not plain-serializable")

// Serialize converts a live tree into its plain envelope form. The conversion
// is deep: every branch is pushed through a JSON round trip so no live
// reference crosses the persistence boundary, nested versions and parts
// included. A shallow copy that only detaches the top-level containers is not
// enough and has bitten us before.
func Serialize(t *tree.ConversationTree) (*Envelope, error) {
	if t == nil {
		return nil, errors.Wrap(ErrSerialization, "nil tree")
	}

	entries := make([]BranchEntry, 0, len(t.Branches))
	for id, b := range t.Branches {
		detached, err := detachBranch(b)
		if err != nil {
			return nil, err
		}
		entries = append(entries, BranchEntry{ID: id, Branch: detached})
	}
	sortEntries(entries)

	return &Envelope{
		Branches:      entries,
		RootBranchIDs: append([]tree.BranchID(nil), t.RootBranchIDs...),
		CurrentPath:   append([]tree.BranchID(nil), t.CurrentPath...),
	}, nil
}

// Restore rebuilds a conversation tree from whatever form the caller holds:
// an envelope, raw envelope JSON, or a tree that is already restored (in
// which case it is handed back unchanged, keeping restore idempotent).
func Restore(v any) (*tree.ConversationTree, error) {
	switch x := v.(type) {
	case *tree.ConversationTree:
		return x, nil
	case *Envelope:
		return restoreEnvelope(x)
	case Envelope:
		return restoreEnvelope(&x)
	case []byte:
		return restoreJSON(x)
	case json.RawMessage:
		return restoreJSON(x)
	case string:
		return restoreJSON([]byte(x))
	default:
		return nil, errors.Errorf("cannot restore a tree from %T", v)
	}
}

func restoreJSON(data []byte) (*tree.ConversationTree, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshaling envelope")
	}
	return restoreEnvelope(&env)
}

func restoreEnvelope(env *Envelope) (*tree.ConversationTree, error) {
	t := tree.NewConversationTree()
	for _, entry := range env.Branches {
		if entry.Branch == nil {
			return nil, errors.Errorf("envelope entry %s has no branch", entry.ID)
		}
		detached, err := detachBranch(entry.Branch)
		if err != nil {
			return nil, err
		}
		if detached.ID.IsNil() {
			detached.ID = entry.ID
		}
		clampVersionIndex(detached)
		t.Branches[entry.ID] = detached
	}
	t.RootBranchIDs = append([]tree.BranchID(nil), env.RootBranchIDs...)
	t.CurrentPath = append([]tree.BranchID(nil), env.CurrentPath...)
	repairPath(t)
	return t, nil
}

// detachBranch deep-copies a branch through its JSON form, which both strips
// any aliasing with the live tree and proves the value is plain data.
func detachBranch(b *tree.MessageBranch) (*tree.MessageBranch, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Wrapf(ErrSerialization, "branch %s: %v", b.ID, err)
	}
	var ret tree.MessageBranch
	if err := json.Unmarshal(raw, &ret); err != nil {
		return nil, errors.Wrapf(ErrSerialization, "branch %s: %v", b.ID, err)
	}
	return &ret, nil
}

func clampVersionIndex(b *tree.MessageBranch) {
	if b.CurrentVersionIndex < 0 {
		b.CurrentVersionIndex = 0
	}
	if b.CurrentVersionIndex > len(b.Versions)-1 {
		b.CurrentVersionIndex = len(b.Versions) - 1
	}
}

// repairPath truncates a restored path at the first entry that does not hold
// up against the restored branches, mirroring the self-repair discipline of
// the tree operations instead of failing the whole restore.
func repairPath(t *tree.ConversationTree) {
	for i, id := range t.CurrentPath {
		b, ok := t.Branches[id]
		if !ok {
			t.CurrentPath = t.CurrentPath[:i]
			return
		}
		if i == 0 {
			if !b.ParentBranchID.IsNil() {
				t.CurrentPath = t.CurrentPath[:0]
				return
			}
			continue
		}
		parent := t.Branches[t.CurrentPath[i-1]]
		cv := parent.CurrentVersion()
		if b.ParentBranchID != parent.ID || cv == nil || b.ParentVersionID != cv.ID {
			t.CurrentPath = t.CurrentPath[:i]
			return
		}
	}
}

// sortEntries orders branches deterministically: creation time of the first
// version, branch id as tie break. Map iteration order must never leak into
// the stored payload or the content digest.
func sortEntries(entries []BranchEntry) {
	sort.Slice(entries, func(i, j int) bool {
		bi, bj := entries[i].Branch, entries[j].Branch
		if bi != nil && bj != nil && len(bi.Versions) > 0 && len(bj.Versions) > 0 {
			ti, tj := bi.Versions[0].CreatedAt, bj.Versions[0].CreatedAt
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
		}
		return entries[i].ID.String() < entries[j].ID.String()
	})
}
