package tree

import (
	"time"

	"github.com/huandu/go-clone"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageVersion is one content revision of a branch. Versions are immutable
// once created; mutation helpers clone before touching anything so that a
// previously captured reference keeps seeing the old value.
type MessageVersion struct {
	ID        VersionID `json:"id"`
	Parts     Parts     `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
	// ChildBranchIDs lists the branches whose root succeeds this version
	// specifically. Each listed branch has ParentVersionID == ID.
	ChildBranchIDs []BranchID `json:"childBranchIds,omitempty"`
}

func NewMessageVersion(parts Parts) *MessageVersion {
	return &MessageVersion{
		ID:        NewVersionID(),
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

func (v *MessageVersion) clone() *MessageVersion {
	ret := *v
	ret.Parts = clone.Clone(v.Parts).(Parts)
	ret.ChildBranchIDs = append([]BranchID(nil), v.ChildBranchIDs...)
	return &ret
}

func (v *MessageVersion) hasChild(id BranchID) bool {
	for _, c := range v.ChildBranchIDs {
		if c == id {
			return true
		}
	}
	return false
}

// MessageBranch is one conversational turn. It can hold several competing
// versions (edits or regenerations); CurrentVersionIndex selects the one that
// is displayed and used for the active path.
type MessageBranch struct {
	ID   BranchID `json:"id"`
	Role Role     `json:"role"`
	// ParentBranchID is NilBranch for roots.
	ParentBranchID BranchID `json:"parentBranchId"`
	// ParentVersionID pins the branch to the specific parent version it
	// succeeds, not just the parent branch.
	ParentVersionID     VersionID         `json:"parentVersionId"`
	Versions            []*MessageVersion `json:"versions"`
	CurrentVersionIndex int               `json:"currentVersionIndex"`
}

// CurrentVersion returns the currently selected version. Branches always hold
// at least one version; deleting the last version deletes the branch.
func (b *MessageBranch) CurrentVersion() *MessageVersion {
	if len(b.Versions) == 0 {
		return nil
	}
	idx := b.CurrentVersionIndex
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b.Versions) {
		idx = len(b.Versions) - 1
	}
	return b.Versions[idx]
}

func (b *MessageBranch) clone() *MessageBranch {
	ret := *b
	ret.Versions = append([]*MessageVersion(nil), b.Versions...)
	return &ret
}

// ConversationTree is the id-indexed branch graph for one conversation.
//
// Branches reference their parents by id and versions reference their child
// branches by id, which keeps the structure cycle-free and trivially
// serializable. CurrentPath is the root-to-leaf sequence of branch ids on
// display; every edge in it matches the parent's currently selected version.
type ConversationTree struct {
	Branches      map[BranchID]*MessageBranch `json:"-"`
	RootBranchIDs []BranchID                  `json:"rootBranchIds"`
	CurrentPath   []BranchID                  `json:"currentPath"`
}

func NewConversationTree() *ConversationTree {
	return &ConversationTree{
		Branches: map[BranchID]*MessageBranch{},
	}
}

// shallowClone copies the tree container itself: the branch map and the id
// slices are fresh, the branch values are shared until an operation clones
// the specific branches it rewrites.
func (t *ConversationTree) shallowClone() *ConversationTree {
	ret := &ConversationTree{
		Branches:      make(map[BranchID]*MessageBranch, len(t.Branches)),
		RootBranchIDs: append([]BranchID(nil), t.RootBranchIDs...),
		CurrentPath:   append([]BranchID(nil), t.CurrentPath...),
	}
	for id, b := range t.Branches {
		ret.Branches[id] = b
	}
	return ret
}

func (t *ConversationTree) GetBranch(id BranchID) (*MessageBranch, bool) {
	b, ok := t.Branches[id]
	return b, ok
}

// CurrentLeaf returns the last branch id on the active path, or NilBranch.
func (t *ConversationTree) CurrentLeaf() BranchID {
	if len(t.CurrentPath) == 0 {
		return NilBranch
	}
	return t.CurrentPath[len(t.CurrentPath)-1]
}

// PathConsistent reports whether CurrentPath satisfies the central invariant:
// each consecutive pair (a, b) has b.ParentBranchID == a and
// b.ParentVersionID == currentVersion(a).ID, and the first entry is a root.
func (t *ConversationTree) PathConsistent() bool {
	for i, id := range t.CurrentPath {
		b, ok := t.Branches[id]
		if !ok {
			return false
		}
		if i == 0 {
			if !b.ParentBranchID.IsNil() {
				return false
			}
			continue
		}
		parent, ok := t.Branches[t.CurrentPath[i-1]]
		if !ok {
			return false
		}
		if b.ParentBranchID != parent.ID {
			return false
		}
		cv := parent.CurrentVersion()
		if cv == nil || b.ParentVersionID != cv.ID {
			return false
		}
	}
	return true
}

// ThreadEntry pairs a branch with its selected version, the shape the
// rendering layer and provider adapters consume.
type ThreadEntry struct {
	Branch  *MessageBranch
	Version *MessageVersion
}

// CurrentThread flattens the active path into ordered (branch, version) pairs.
func (t *ConversationTree) CurrentThread() []ThreadEntry {
	ret := make([]ThreadEntry, 0, len(t.CurrentPath))
	for _, id := range t.CurrentPath {
		b, ok := t.Branches[id]
		if !ok {
			break
		}
		ret = append(ret, ThreadEntry{Branch: b, Version: b.CurrentVersion()})
	}
	return ret
}
