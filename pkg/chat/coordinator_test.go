package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/arbor/pkg/engine"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/tree"
)

// fakeBackend mimics the store dispatcher in memory: it counts calls and
// reproduces the digest-based replace-all coalescing.
type fakeBackend struct {
	mu       sync.Mutex
	saves    int
	replaces int
	skips    int
	digests  map[string]string
	records  map[string]store.ConversationRecord
	fail     error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		digests: map[string]string{},
		records: map[string]store.ConversationRecord{},
	}
}

func (f *fakeBackend) counts() (saves, replaces, skips int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves, f.replaces, f.skips
}

func (f *fakeBackend) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeBackend) Handle(_ context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		err := f.fail
		f.fail = nil
		return nil, err
	}

	switch method {
	case engine.MethodConversationSave:
		var rec store.ConversationRecord
		if err := json.Unmarshal(params, &rec); err != nil {
			return nil, err
		}
		f.saves++
		f.records[rec.ID] = rec
		return json.Marshal(rec)

	case engine.MethodConversationGet:
		var in struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		rec, ok := f.records[in.ID]
		if !ok {
			return nil, engine.ErrNotFound
		}
		return json.Marshal(rec)

	case engine.MethodMessageReplaceAll:
		var in struct {
			ConversationID string                `json:"conversationId"`
			Messages       []store.MessageRecord `json:"messages"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		digest := store.MessageDigest(in.Messages)
		skipped := f.digests[in.ConversationID] == digest
		if skipped {
			f.skips++
		} else {
			f.replaces++
			f.digests[in.ConversationID] = digest
		}
		return json.Marshal(store.ReplaceAllResult{
			Skipped: skipped, Digest: digest, Count: len(in.Messages),
		})

	default:
		return nil, nil
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) PublishEvent(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ret []events.Event
	for _, ev := range r.events {
		if ev.Type() == t {
			ret = append(ret, ev)
		}
	}
	return ret
}

func newTestCoordinator(t *testing.T, backend *fakeBackend, options ...CoordinatorOption) *Coordinator {
	t.Helper()
	e, err := engine.New(func() (engine.Handler, error) {
		return backend, nil
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	options = append([]CoordinatorOption{WithDebounce(30 * time.Millisecond)}, options...)
	c := NewCoordinator(e, options...)
	t.Cleanup(c.Stop)
	return c
}

func TestMutationBurstCoalescesIntoOneFlush(t *testing.T) {
	backend := newFakeBackend()
	c := newTestCoordinator(t, backend)

	conv := c.Create("burst")
	branchID, err := c.AddBranch(conv.ID, tree.RoleAssistant, tree.Parts{&tree.TextPart{}}, tree.NilBranch)
	require.NoError(t, err)

	for _, token := range []string{"Hel", "lo", "!"} {
		require.NoError(t, c.AppendToken(conv.ID, branchID, token))
	}

	require.Eventually(t, func() bool {
		_, replaces, _ := backend.counts()
		return replaces >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// settle: nothing else should flush
	time.Sleep(100 * time.Millisecond)
	saves, replaces, _ := backend.counts()
	assert.Equal(t, 1, replaces, "token burst must coalesce into one replace-all")
	assert.Equal(t, 1, saves)

	got, ok := c.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "Hello!", got.Thread()[0].Version.Parts.Text())
}

func TestUnchangedContentIsCoalescedAway(t *testing.T) {
	backend := newFakeBackend()
	sink := &recordingSink{}
	c := newTestCoordinator(t, backend, WithSink(sink))

	conv := c.Create("coalesce")
	_, err := c.AddBranch(conv.ID, tree.RoleUser,
		tree.Parts{&tree.TextPart{Text: "hello"}}, tree.NilBranch)
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background(), conv.ID))

	// metadata-only change: the message set digest stays identical
	require.NoError(t, c.SetDraft(conv.ID, "typing..."))
	require.NoError(t, c.Flush(context.Background(), conv.ID))

	require.Eventually(t, func() bool {
		_, _, skips := backend.counts()
		return skips >= 1
	}, 2*time.Second, 10*time.Millisecond)

	_, replaces, _ := backend.counts()
	assert.Equal(t, 1, replaces, "unchanged message content must not be rewritten")

	saved := sink.ofType(events.EventTypeFlushSaved)
	require.NotEmpty(t, saved)
	last := saved[len(saved)-1].(*events.EventFlushSaved)
	assert.True(t, last.Coalesced)
}

func TestTransientFlushFailureRetriesUntilSaved(t *testing.T) {
	backend := newFakeBackend()
	sink := &recordingSink{}
	c := newTestCoordinator(t, backend, WithSink(sink))

	conv := c.Create("retry")
	_, err := c.AddBranch(conv.ID, tree.RoleUser,
		tree.Parts{&tree.TextPart{Text: "keep me"}}, tree.NilBranch)
	require.NoError(t, err)

	backend.failNext(engine.ErrBackpressure)

	require.Eventually(t, func() bool {
		_, replaces, _ := backend.counts()
		return replaces >= 1
	}, 2*time.Second, 10*time.Millisecond, "dirty conversation must survive a transient failure")

	failed := sink.ofType(events.EventTypeFlushFailed)
	require.NotEmpty(t, failed)
	assert.True(t, failed[0].(*events.EventFlushFailed).Transient)
}

func TestStorageUnavailableKeepsConversationDirty(t *testing.T) {
	backend := newFakeBackend()
	sink := &recordingSink{}
	c := newTestCoordinator(t, backend, WithSink(sink))

	conv := c.Create("crash window")
	_, err := c.AddBranch(conv.ID, tree.RoleUser,
		tree.Parts{&tree.TextPart{Text: "keep me"}}, tree.NilBranch)
	require.NoError(t, err)

	// the engine raises storage-unavailable for calls caught mid-crash even
	// when it recovers afterwards; the conversation must ride the next cycle
	backend.failNext(engine.ErrStorageUnavailable)

	require.Eventually(t, func() bool {
		_, replaces, _ := backend.counts()
		return replaces >= 1
	}, 2*time.Second, 10*time.Millisecond, "state must survive a recoverable crash")

	unavailable := sink.ofType(events.EventTypeStorageUnavailable)
	require.NotEmpty(t, unavailable, "the failure must still be escalated")
}

func TestFlushCleanConversationIsSkipped(t *testing.T) {
	backend := newFakeBackend()
	sink := &recordingSink{}
	// a long debounce keeps the background loop out of the picture
	c := newTestCoordinator(t, backend, WithSink(sink), WithDebounce(10*time.Second))

	conv := c.Create("skip")
	require.NoError(t, c.Flush(context.Background(), conv.ID))
	saves, _, _ := backend.counts()
	require.Equal(t, 1, saves)

	require.NoError(t, c.Flush(context.Background(), conv.ID))

	saves, _, _ = backend.counts()
	assert.Equal(t, 1, saves, "a clean conversation must not be rewritten")
	assert.NotEmpty(t, sink.ofType(events.EventTypeFlushSkipped))
}

func TestMutateUnknownConversationIsNotFound(t *testing.T) {
	backend := newFakeBackend()
	c := newTestCoordinator(t, backend)

	err := c.SetDraft("ghost", "anything")
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestLoadRoundTripsThroughStorage(t *testing.T) {
	backend := newFakeBackend()
	c := newTestCoordinator(t, backend)

	conv := c.Create("persisted")
	branchID, err := c.AddBranch(conv.ID, tree.RoleUser,
		tree.Parts{&tree.TextPart{Text: "hello"}}, tree.NilBranch)
	require.NoError(t, err)
	_, err = c.AddBranch(conv.ID, tree.RoleAssistant,
		tree.Parts{&tree.TextPart{Text: "hi there"}}, branchID)
	require.NoError(t, err)
	require.NoError(t, c.SetDraft(conv.ID, "unsent"))
	require.NoError(t, c.Flush(context.Background(), conv.ID))

	// a second coordinator simulates a fresh process
	c2 := newTestCoordinator(t, backend)
	got, err := c2.Load(context.Background(), conv.ID)
	require.NoError(t, err)

	assert.Equal(t, "persisted", got.Title)
	assert.Equal(t, "unsent", got.Draft)
	thread := got.Thread()
	require.Len(t, thread, 2)
	assert.Equal(t, "hello", thread[0].Version.Parts.Text())
	assert.Equal(t, "hi there", thread[1].Version.Parts.Text())
	assert.True(t, got.Tree.PathConsistent())
}

func TestSwitchVersionReconcilesBeforeFlush(t *testing.T) {
	backend := newFakeBackend()
	c := newTestCoordinator(t, backend)

	conv := c.Create("versions")
	userID, err := c.AddBranch(conv.ID, tree.RoleUser,
		tree.Parts{&tree.TextPart{Text: "question"}}, tree.NilBranch)
	require.NoError(t, err)
	asstID, err := c.AddBranch(conv.ID, tree.RoleAssistant,
		tree.Parts{&tree.TextPart{Text: "answer one"}}, userID)
	require.NoError(t, err)
	_, err = c.AddVersion(conv.ID, asstID, tree.Parts{&tree.TextPart{Text: "answer two"}})
	require.NoError(t, err)

	require.NoError(t, c.SwitchVersion(conv.ID, asstID, -1))

	got, _ := c.Get(conv.ID)
	require.True(t, got.Tree.PathConsistent())
	thread := got.Thread()
	require.Len(t, thread, 2)
	assert.Equal(t, "answer one", thread[1].Version.Parts.Text())
}
