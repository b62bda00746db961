package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/arbor/pkg/engine"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/tree"
)

const DefaultDebounce = 300 * time.Millisecond

// Coordinator owns the in-memory conversations and mediates every mutation.
// Tree operations return fresh tree values; the coordinator installs them,
// marks the conversation dirty and lets the debounced flush loop batch the
// writes. One flush per conversation is in flight at a time; a conversation
// mutated mid-flush simply becomes dirty again and rides the next cycle.
type Coordinator struct {
	engine *engine.Engine
	sink   events.EventSink
	logger zerolog.Logger

	debounce time.Duration

	mu            sync.Mutex
	conversations map[string]*Conversation
	dirty         map[string]struct{}
	inflight      map[string]struct{}

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

type CoordinatorOption func(*Coordinator)

func WithDebounce(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.debounce = d
		}
	}
}

func WithSink(sink events.EventSink) CoordinatorOption {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func NewCoordinator(e *engine.Engine, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		engine:        e,
		sink:          events.NullSink{},
		logger:        log.Logger,
		debounce:      DefaultDebounce,
		conversations: map[string]*Conversation{},
		dirty:         map[string]struct{}{},
		inflight:      map[string]struct{}{},
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, o := range options {
		o(c)
	}
	go c.run()
	return c
}

// Stop flushes everything still dirty and shuts the loop down.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

// Create registers a new empty conversation and schedules its first save.
func (c *Coordinator) Create(title string) *Conversation {
	conv := NewConversation(title)
	c.mu.Lock()
	c.conversations[conv.ID] = conv
	c.mu.Unlock()
	c.markDirty(conv.ID)
	return conv
}

// Load pulls a conversation out of storage and registers it. An already
// loaded conversation is returned as-is.
func (c *Coordinator) Load(ctx context.Context, id string) (*Conversation, error) {
	c.mu.Lock()
	if conv, ok := c.conversations[id]; ok {
		c.mu.Unlock()
		return conv, nil
	}
	c.mu.Unlock()

	var rec store.ConversationRecord
	if err := c.engine.CallInto(ctx, engine.MethodConversationGet,
		map[string]string{"id": id}, &rec); err != nil {
		return nil, err
	}
	conv, err := FromRecord(&rec)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent Load may have won
	if existing, ok := c.conversations[id]; ok {
		return existing, nil
	}
	c.conversations[id] = conv
	return conv, nil
}

func (c *Coordinator) Get(id string) (*Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[id]
	return conv, ok
}

// AddBranch appends a new turn under parentID (or as a root) and extends the
// active path to it.
func (c *Coordinator) AddBranch(convID string, role tree.Role, parts tree.Parts, parentID tree.BranchID) (tree.BranchID, error) {
	var branchID tree.BranchID
	err := c.mutate(convID, func(conv *Conversation) {
		t, id := tree.AddBranch(conv.Tree, role, parts, parentID)
		branchID = id
		if !id.IsNil() {
			t = tree.ExtendPath(t, id)
		}
		conv.Tree = t
	})
	return branchID, err
}

// AddVersion records an edit or regeneration of a turn and reconciles the
// path, truncating stale descendants.
func (c *Coordinator) AddVersion(convID string, branchID tree.BranchID, parts tree.Parts) (tree.VersionID, error) {
	var versionID tree.VersionID
	err := c.mutate(convID, func(conv *Conversation) {
		t, id := tree.AddVersion(conv.Tree, branchID, parts)
		versionID = id
		conv.Tree = tree.ReconcilePath(t, branchID)
	})
	return versionID, err
}

// SwitchVersion cycles a turn's selected version by delta and reconciles the
// path below it.
func (c *Coordinator) SwitchVersion(convID string, branchID tree.BranchID, delta int) error {
	return c.mutate(convID, func(conv *Conversation) {
		t := tree.SwitchVersion(conv.Tree, branchID, delta)
		conv.Tree = tree.ReconcilePath(t, branchID)
	})
}

// AppendToken streams a text delta into a turn's current version.
func (c *Coordinator) AppendToken(convID string, branchID tree.BranchID, delta string) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.Tree = tree.AppendToken(conv.Tree, branchID, delta)
	})
}

func (c *Coordinator) AppendImage(convID string, branchID tree.BranchID, img tree.ImagePart) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.Tree = tree.AppendImage(conv.Tree, branchID, img)
	})
}

func (c *Coordinator) DeleteBranch(convID string, branchID tree.BranchID, allVersions bool) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.Tree = tree.DeleteBranch(conv.Tree, branchID, allVersions)
	})
}

func (c *Coordinator) NavigateTo(convID string, branchID tree.BranchID) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.Tree = tree.NavigateTo(conv.Tree, branchID)
	})
}

func (c *Coordinator) SetDraft(convID string, draft string) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.Draft = draft
	})
}

func (c *Coordinator) SetTitle(convID string, title string) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.Title = title
	})
}

func (c *Coordinator) SetPrefs(convID string, prefs GenerationPrefs) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.Prefs = prefs
	})
}

func (c *Coordinator) SetProject(convID string, projectID string) error {
	return c.mutate(convID, func(conv *Conversation) {
		conv.ProjectID = projectID
	})
}

// Adopt registers an externally built conversation, an import for example,
// and schedules its save. An id collision with a loaded conversation is an
// error rather than a silent overwrite.
func (c *Coordinator) Adopt(conv *Conversation) error {
	c.mu.Lock()
	if _, exists := c.conversations[conv.ID]; exists {
		c.mu.Unlock()
		return errors.Errorf("conversation %s already loaded", conv.ID)
	}
	c.conversations[conv.ID] = conv
	c.mu.Unlock()
	c.markDirty(conv.ID)
	return nil
}

// mutate applies fn to the conversation under the lock and marks it dirty.
func (c *Coordinator) mutate(convID string, fn func(conv *Conversation)) error {
	c.mu.Lock()
	conv, ok := c.conversations[convID]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(engine.ErrNotFound, "conversation %s not loaded", convID)
	}
	fn(conv)
	conv.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.markDirty(convID)
	return nil
}

func (c *Coordinator) markDirty(convID string) {
	c.mu.Lock()
	c.dirty[convID] = struct{}{}
	c.mu.Unlock()

	c.publish(events.NewConversationDirtyEvent(c.meta(convID)))

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Flush forces an immediate write of one conversation, bypassing the
// debounce. A clean conversation is not rewritten; a flush already in flight
// for it means the dirty mark is simply retained for the next cycle. Both
// cases publish a flush-skipped event so observers see the request resolve.
func (c *Coordinator) Flush(ctx context.Context, convID string) error {
	c.mu.Lock()
	conv, ok := c.conversations[convID]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(engine.ErrNotFound, "conversation %s not loaded", convID)
	}
	if _, busy := c.inflight[convID]; busy {
		c.dirty[convID] = struct{}{}
		c.mu.Unlock()
		c.publish(events.NewFlushSkippedEvent(c.meta(convID)))
		return nil
	}
	if _, pending := c.dirty[convID]; !pending {
		c.mu.Unlock()
		c.publish(events.NewFlushSkippedEvent(c.meta(convID)))
		return nil
	}
	c.inflight[convID] = struct{}{}
	delete(c.dirty, convID)
	c.mu.Unlock()

	return c.flushOne(ctx, conv)
}

func (c *Coordinator) run() {
	timer := time.NewTimer(c.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-c.stopCh:
			c.flushDirty(context.Background())
			close(c.doneCh)
			return
		case <-c.wake:
			if !armed {
				timer.Reset(c.debounce)
				armed = true
			}
		case <-timer.C:
			armed = false
			c.flushDirty(context.Background())
		}
	}
}

// flushDirty writes every dirty conversation sequentially. Sequential flushes
// match the engine's single-writer nature; parallel flushes would only queue
// up behind each other anyway.
func (c *Coordinator) flushDirty(ctx context.Context) {
	c.mu.Lock()
	batch := make([]*Conversation, 0, len(c.dirty))
	for id := range c.dirty {
		if _, busy := c.inflight[id]; busy {
			continue
		}
		conv, ok := c.conversations[id]
		if !ok {
			delete(c.dirty, id)
			continue
		}
		c.inflight[id] = struct{}{}
		delete(c.dirty, id)
		batch = append(batch, conv)
	}
	c.mu.Unlock()

	for _, conv := range batch {
		if err := c.flushOne(ctx, conv); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("flush failed")
		}
	}
}

// flushOne persists one conversation: metadata + tree envelope through
// conversation.save, then the flattened path through message.replaceAll,
// which coalesces to a no-op when content is unchanged.
func (c *Coordinator) flushOne(ctx context.Context, conv *Conversation) error {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, conv.ID)
		rearm := len(c.dirty) > 0
		c.mu.Unlock()
		// a permanently failed engine rejects every call; keep the dirty
		// marks for a manual Flush but stop the automatic retry loop
		if rearm && !c.engine.Failed() {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}()

	meta := c.meta(conv.ID)
	c.publish(events.NewFlushStartedEvent(meta))

	c.mu.Lock()
	rec, err := conv.ToRecord()
	rows := conv.MessageRows()
	c.mu.Unlock()
	if err != nil {
		c.publish(events.NewFlushFailedEvent(meta, err, false))
		return err
	}

	if err := c.engine.CallInto(ctx, engine.MethodConversationSave, rec, nil); err != nil {
		return c.flushError(meta, conv.ID, err)
	}

	var replaced store.ReplaceAllResult
	err = c.engine.CallInto(ctx, engine.MethodMessageReplaceAll, map[string]any{
		"conversationId": conv.ID,
		"messages":       rows,
	}, &replaced)
	if err != nil {
		return c.flushError(meta, conv.ID, err)
	}

	c.logger.Debug().
		Str("conversation_id", conv.ID).
		Int("messages", replaced.Count).
		Bool("coalesced", replaced.Skipped).
		Msg("conversation flushed")
	c.publish(events.NewFlushSavedEvent(meta, replaced.Digest, replaced.Count, replaced.Skipped))
	return nil
}

// flushError sorts a failed flush: transient errors keep the conversation
// dirty for a retry, a storage-unavailable error escalates but also retains
// the dirty mark, because the engine raises it for calls caught in a
// recoverable crash window as well as for a dead engine. A later successful
// flush then still saves the latest state; only a permanently failed engine
// stops the retry loop (see flushOne). Everything else is reported and
// dropped so the loop does not spin on a poisoned payload.
func (c *Coordinator) flushError(meta events.EventMetadata, convID string, err error) error {
	switch {
	case engine.IsTransient(err):
		c.mu.Lock()
		c.dirty[convID] = struct{}{}
		c.mu.Unlock()
		c.publish(events.NewFlushFailedEvent(meta, err, true))
	case errors.Is(err, engine.ErrStorageUnavailable):
		c.mu.Lock()
		c.dirty[convID] = struct{}{}
		c.mu.Unlock()
		c.publish(events.NewStorageUnavailableEvent(meta, err))
	default:
		c.publish(events.NewFlushFailedEvent(meta, err, false))
	}
	return err
}

func (c *Coordinator) meta(convID string) events.EventMetadata {
	return events.EventMetadata{
		ID:             uuid.New(),
		ConversationID: convID,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}

func (c *Coordinator) publish(ev events.Event) {
	if err := c.sink.PublishEvent(ev); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event")
	}
}
