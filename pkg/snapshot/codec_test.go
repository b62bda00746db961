package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/arbor/pkg/tree"
)

func buildTree(t *testing.T) *tree.ConversationTree {
	t.Helper()
	tr := tree.NewConversationTree()
	tr, rootID := tree.AddBranch(tr, tree.RoleUser, tree.Parts{&tree.TextPart{Text: "Hi"}}, tree.NilBranch)
	tr = tree.ExtendPath(tr, rootID)
	tr, asstID := tree.AddBranch(tr, tree.RoleAssistant, nil, rootID)
	tr = tree.ExtendPath(tr, asstID)
	tr = tree.AppendToken(tr, asstID, "Hello!")
	tr = tree.AppendImage(tr, asstID, tree.ImagePart{ImageName: "chart.png", MediaType: "image/png", Data: []byte{0xff, 0xd8}})
	tr, _ = tree.AddVersion(tr, asstID, tree.Parts{&tree.TextPart{Text: "regenerated"}})
	tr = tree.ReconcilePath(tr, asstID)
	return tr
}

func TestRoundTrip(t *testing.T) {
	orig := buildTree(t)

	env, err := Serialize(orig)
	require.NoError(t, err)
	restored, err := Restore(env)
	require.NoError(t, err)

	require.Len(t, restored.Branches, len(orig.Branches))
	for id, ob := range orig.Branches {
		rb, ok := restored.Branches[id]
		require.True(t, ok, "missing branch %s", id)
		assert.Equal(t, ob.Role, rb.Role)
		assert.Equal(t, ob.ParentBranchID, rb.ParentBranchID)
		assert.Equal(t, ob.ParentVersionID, rb.ParentVersionID)
		assert.Equal(t, ob.CurrentVersionIndex, rb.CurrentVersionIndex)
		require.Len(t, rb.Versions, len(ob.Versions))
		for i := range ob.Versions {
			assert.Equal(t, ob.Versions[i].ID, rb.Versions[i].ID)
			assert.Equal(t, ob.Versions[i].Parts.Text(), rb.Versions[i].Parts.Text())
			assert.Equal(t, ob.Versions[i].ChildBranchIDs, rb.Versions[i].ChildBranchIDs)
		}
	}
	assert.Equal(t, orig.RootBranchIDs, restored.RootBranchIDs)
	assert.Equal(t, orig.CurrentPath, restored.CurrentPath)
	assert.True(t, restored.PathConsistent())
}

func TestRoundTripThroughJSON(t *testing.T) {
	orig := buildTree(t)

	env, err := Serialize(orig)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	restored, err := Restore(raw)
	require.NoError(t, err)
	assert.Equal(t, orig.CurrentPath, restored.CurrentPath)
	assert.Len(t, restored.Branches, len(orig.Branches))
}

func TestSerializeDetachesNestedValues(t *testing.T) {
	orig := buildTree(t)
	env, err := Serialize(orig)
	require.NoError(t, err)

	// mutating the envelope's nested parts must not reach the live tree
	for _, entry := range env.Branches {
		for _, v := range entry.Branch.Versions {
			for _, p := range v.Parts {
				if tp, ok := p.(*tree.TextPart); ok {
					tp.Text = "CLOBBERED"
				}
			}
		}
	}
	for _, b := range orig.Branches {
		for _, v := range b.Versions {
			assert.NotContains(t, v.Parts.Text(), "CLOBBERED")
		}
	}
}

func TestRestoreIsIdempotentOnRestoredTree(t *testing.T) {
	orig := buildTree(t)
	restored, err := Restore(orig)
	require.NoError(t, err)
	assert.Same(t, orig, restored)
}

func TestRestoreAcceptsMappingForm(t *testing.T) {
	orig := buildTree(t)
	env, err := Serialize(orig)
	require.NoError(t, err)

	mapping := map[string]*tree.MessageBranch{}
	for _, entry := range env.Branches {
		mapping[entry.ID.String()] = entry.Branch
	}
	payload := map[string]any{
		"branches":      mapping,
		"rootBranchIds": env.RootBranchIDs,
		"currentPath":   env.CurrentPath,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	restored, err := Restore(raw)
	require.NoError(t, err)
	assert.Len(t, restored.Branches, len(orig.Branches))
	assert.Equal(t, orig.CurrentPath, restored.CurrentPath)
}

func TestRestoreRepairsStalePath(t *testing.T) {
	orig := buildTree(t)
	env, err := Serialize(orig)
	require.NoError(t, err)

	env.CurrentPath = append(env.CurrentPath, tree.NewBranchID())
	restored, err := Restore(env)
	require.NoError(t, err)
	assert.True(t, restored.PathConsistent())
	assert.Equal(t, orig.CurrentPath, restored.CurrentPath)
}

func TestSerializeOrderIsDeterministic(t *testing.T) {
	orig := buildTree(t)

	var first string
	for i := 0; i < 5; i++ {
		env, err := Serialize(orig)
		require.NoError(t, err)
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		if i == 0 {
			first = string(raw)
			continue
		}
		require.Equal(t, first, string(raw), "iteration %d", i)
	}
}
