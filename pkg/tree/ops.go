package tree

// Tree operations are pure: each takes a tree value and returns a new
// consistent tree value, cloning only the branches and versions it rewrites.
// Structural problems never surface as errors; operations self-repair by
// truncating the active path, and references to unknown branch ids are
// no-ops so that deletes and retries stay idempotent.

// AddBranch creates a new branch with a single initial version. If parentID
// is not NilBranch, the branch is pinned to the parent's currently selected
// version and registered in that version's child list. CurrentPath is left
// alone; the caller decides whether to extend it (see ExtendPath).
func AddBranch(t *ConversationTree, role Role, parts Parts, parentID BranchID) (*ConversationTree, BranchID) {
	nt := t.shallowClone()
	b := &MessageBranch{
		ID:       NewBranchID(),
		Role:     role,
		Versions: []*MessageVersion{NewMessageVersion(parts)},
	}

	if parentID.IsNil() {
		nt.RootBranchIDs = append(nt.RootBranchIDs, b.ID)
	} else {
		parent, ok := nt.Branches[parentID]
		if !ok {
			return t, NilBranch
		}
		pv := parent.CurrentVersion()
		b.ParentBranchID = parentID
		b.ParentVersionID = pv.ID

		np := parent.clone()
		nv := pv.clone()
		nv.ChildBranchIDs = append(nv.ChildBranchIDs, b.ID)
		np.Versions[np.CurrentVersionIndex] = nv
		nt.Branches[parentID] = np
	}

	nt.Branches[b.ID] = b
	return nt, b.ID
}

// AddVersion appends a new version to a branch and selects it. Used both for
// edits (parts supplied up front) and regenerations (empty parts, filled by
// AppendToken). If the branch lies on CurrentPath the entries after it may now
// be stale; the caller must run ReconcilePath immediately.
func AddVersion(t *ConversationTree, branchID BranchID, parts Parts) (*ConversationTree, VersionID) {
	b, ok := t.Branches[branchID]
	if !ok {
		return t, NilVersion
	}

	nt := t.shallowClone()
	nb := b.clone()
	v := NewMessageVersion(parts)
	nb.Versions = append(nb.Versions, v)
	nb.CurrentVersionIndex = len(nb.Versions) - 1
	nt.Branches[branchID] = nb
	return nt, v.ID
}

// SwitchVersion moves the branch's selected version by delta, clamped to the
// valid range. The caller must run ReconcilePath afterwards.
func SwitchVersion(t *ConversationTree, branchID BranchID, delta int) *ConversationTree {
	b, ok := t.Branches[branchID]
	if !ok {
		return t
	}

	idx := b.CurrentVersionIndex + delta
	if idx < 0 {
		idx = 0
	}
	if idx > len(b.Versions)-1 {
		idx = len(b.Versions) - 1
	}
	if idx == b.CurrentVersionIndex {
		return t
	}

	nt := t.shallowClone()
	nb := b.clone()
	nb.CurrentVersionIndex = idx
	nt.Branches[branchID] = nb
	return nt
}

// ReconcilePath repairs the active path after a version change on branchID.
// It walks CurrentPath starting just after branchID and truncates at the
// first entry that no longer hangs off its parent's currently selected
// version. There is no attempt to reattach the dropped tail to an equivalent
// sibling; the path is instead re-extended greedily along first children, so
// switching back to a version restores the thread that lived under it.
func ReconcilePath(t *ConversationTree, branchID BranchID) *ConversationTree {
	pos := -1
	for i, id := range t.CurrentPath {
		if id == branchID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return t
	}

	nt := t.shallowClone()
	cut := len(nt.CurrentPath)
	for i := pos + 1; i < len(nt.CurrentPath); i++ {
		parent, pok := nt.Branches[nt.CurrentPath[i-1]]
		child, cok := nt.Branches[nt.CurrentPath[i]]
		if !pok || !cok {
			cut = i
			break
		}
		cv := parent.CurrentVersion()
		if child.ParentBranchID != parent.ID || cv == nil || child.ParentVersionID != cv.ID {
			cut = i
			break
		}
	}
	nt.CurrentPath = nt.CurrentPath[:cut]
	nt.extendPathGreedily()
	return nt
}

// extendPathGreedily follows first matching children from the current leaf
// until it reaches a leaf branch. Mutates the receiver; only for use on a
// freshly cloned tree.
func (t *ConversationTree) extendPathGreedily() {
	for {
		leafID := t.CurrentLeaf()
		if leafID.IsNil() {
			return
		}
		leaf, ok := t.Branches[leafID]
		if !ok {
			return
		}
		cv := leaf.CurrentVersion()
		if cv == nil {
			return
		}
		extended := false
		for _, childID := range cv.ChildBranchIDs {
			child, ok := t.Branches[childID]
			if !ok || child.ParentVersionID != cv.ID {
				continue
			}
			t.CurrentPath = append(t.CurrentPath, childID)
			extended = true
			break
		}
		if !extended {
			return
		}
	}
}

// AppendToken appends streamed text to the branch's currently selected
// version, creating a trailing text part if none exists. Only the touched
// branch and version are cloned, so the operation stays cheap at
// token-streaming frequency.
func AppendToken(t *ConversationTree, branchID BranchID, delta string) *ConversationTree {
	b, ok := t.Branches[branchID]
	if !ok {
		return t
	}

	nt := t.shallowClone()
	nb := b.clone()
	nv := nb.CurrentVersion().clone()

	if n := len(nv.Parts); n > 0 {
		if tp, ok := nv.Parts[n-1].(*TextPart); ok {
			// nv.Parts is a fresh deep clone, safe to grow in place
			tp.Text += delta
			nb.Versions[nb.CurrentVersionIndex] = nv
			nt.Branches[branchID] = nb
			return nt
		}
	}
	nv.Parts = append(nv.Parts, &TextPart{Text: delta})
	nb.Versions[nb.CurrentVersionIndex] = nv
	nt.Branches[branchID] = nb
	return nt
}

// AppendImage attaches an image segment to the branch's currently selected
// version. Incremental image data for the same image name is merged into the
// existing trailing image part.
func AppendImage(t *ConversationTree, branchID BranchID, img ImagePart) *ConversationTree {
	b, ok := t.Branches[branchID]
	if !ok {
		return t
	}

	nt := t.shallowClone()
	nb := b.clone()
	nv := nb.CurrentVersion().clone()

	merged := false
	if n := len(nv.Parts); n > 0 {
		if ip, ok := nv.Parts[n-1].(*ImagePart); ok && ip.ImageName == img.ImageName {
			ip.Data = append(ip.Data, img.Data...)
			if img.ImageURL != "" {
				ip.ImageURL = img.ImageURL
			}
			if img.MediaType != "" {
				ip.MediaType = img.MediaType
			}
			merged = true
		}
	}
	if !merged {
		p := img
		nv.Parts = append(nv.Parts, &p)
	}

	nb.Versions[nb.CurrentVersionIndex] = nv
	nt.Branches[branchID] = nb
	return nt
}

// DeleteBranch removes content from a branch. With allVersions false and more
// than one version present, only the currently selected version goes away,
// together with the branches that hung off that specific version; the
// remaining versions are re-indexed and the selection clamped. Otherwise the
// whole branch and every transitive descendant across all its versions is
// removed, the branch is unregistered from its parent version and from the
// root list, and CurrentPath is truncated at its position. Unknown ids are
// no-ops so deletion stays idempotent under retries.
func DeleteBranch(t *ConversationTree, branchID BranchID, allVersions bool) *ConversationTree {
	b, ok := t.Branches[branchID]
	if !ok {
		return t
	}

	if !allVersions && len(b.Versions) > 1 {
		return deleteCurrentVersion(t, b)
	}
	return deleteWholeBranch(t, b)
}

func deleteCurrentVersion(t *ConversationTree, b *MessageBranch) *ConversationTree {
	nt := t.shallowClone()
	nb := b.clone()

	idx := nb.CurrentVersionIndex
	removed := nb.Versions[idx]
	nb.Versions = append(nb.Versions[:idx:idx], nb.Versions[idx+1:]...)
	if nb.CurrentVersionIndex > len(nb.Versions)-1 {
		nb.CurrentVersionIndex = len(nb.Versions) - 1
	}
	nt.Branches[b.ID] = nb

	for id := range collectDescendants(nt, removed.ChildBranchIDs) {
		delete(nt.Branches, id)
	}

	return ReconcilePath(nt, b.ID)
}

func deleteWholeBranch(t *ConversationTree, b *MessageBranch) *ConversationTree {
	nt := t.shallowClone()

	doomed := collectDescendants(nt, []BranchID{b.ID})
	for id := range doomed {
		delete(nt.Branches, id)
	}

	if !b.ParentBranchID.IsNil() {
		if parent, ok := nt.Branches[b.ParentBranchID]; ok {
			np := parent.clone()
			for i, v := range np.Versions {
				if v.ID != b.ParentVersionID {
					continue
				}
				nv := v.clone()
				children := nv.ChildBranchIDs[:0]
				for _, c := range nv.ChildBranchIDs {
					if c != b.ID {
						children = append(children, c)
					}
				}
				nv.ChildBranchIDs = children
				np.Versions[i] = nv
				break
			}
			nt.Branches[parent.ID] = np
		}
	} else {
		roots := nt.RootBranchIDs[:0]
		for _, id := range nt.RootBranchIDs {
			if id != b.ID {
				roots = append(roots, id)
			}
		}
		nt.RootBranchIDs = roots
	}

	for i, id := range nt.CurrentPath {
		if id == b.ID {
			nt.CurrentPath = nt.CurrentPath[:i]
			break
		}
	}

	return nt
}

// collectDescendants gathers the given branches plus every transitive child
// branch across all of their versions.
func collectDescendants(t *ConversationTree, seed []BranchID) map[BranchID]struct{} {
	ret := map[BranchID]struct{}{}
	stack := append([]BranchID(nil), seed...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := ret[id]; seen {
			continue
		}
		b, ok := t.Branches[id]
		if !ok {
			continue
		}
		ret[id] = struct{}{}
		for _, v := range b.Versions {
			stack = append(stack, v.ChildBranchIDs...)
		}
	}
	return ret
}

// ExtendPath appends branchID to the active path when it is a valid
// continuation of the current leaf (or a root when the path is empty).
func ExtendPath(t *ConversationTree, branchID BranchID) *ConversationTree {
	b, ok := t.Branches[branchID]
	if !ok {
		return t
	}

	if len(t.CurrentPath) == 0 {
		if !b.ParentBranchID.IsNil() {
			return t
		}
		nt := t.shallowClone()
		nt.CurrentPath = []BranchID{branchID}
		return nt
	}

	leaf, ok := t.Branches[t.CurrentLeaf()]
	if !ok {
		return t
	}
	cv := leaf.CurrentVersion()
	if b.ParentBranchID != leaf.ID || cv == nil || b.ParentVersionID != cv.ID {
		return t
	}

	nt := t.shallowClone()
	nt.CurrentPath = append(nt.CurrentPath, branchID)
	return nt
}

// NavigateTo rebuilds the active path so it runs from a root through
// branchID, switching each ancestor to the version its child hangs off, then
// extends greedily below branchID. This is the re-navigation entry point for
// the UI after a truncation.
func NavigateTo(t *ConversationTree, branchID BranchID) *ConversationTree {
	if _, ok := t.Branches[branchID]; !ok {
		return t
	}

	nt := t.shallowClone()

	// walk up to the root, recording the path and the version each edge needs
	var path []BranchID
	id := branchID
	for !id.IsNil() {
		b, ok := nt.Branches[id]
		if !ok {
			return t
		}
		path = append([]BranchID{id}, path...)
		if !b.ParentBranchID.IsNil() {
			parent, ok := nt.Branches[b.ParentBranchID]
			if !ok {
				return t
			}
			for i, v := range parent.Versions {
				if v.ID == b.ParentVersionID && parent.CurrentVersionIndex != i {
					np := parent.clone()
					np.CurrentVersionIndex = i
					nt.Branches[parent.ID] = np
					break
				}
			}
		}
		id = b.ParentBranchID
	}

	nt.CurrentPath = path
	nt.extendPathGreedily()
	return nt
}
