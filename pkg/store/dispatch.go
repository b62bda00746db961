package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/arbor/pkg/engine"
)

// Dispatcher routes engine method names to store operations. It satisfies
// engine.Handler and io.Closer so the engine can release the database handle
// on shutdown or before a crash restart.
type Dispatcher struct {
	store *Store
}

func NewDispatcher(s *Store) *Dispatcher {
	return &Dispatcher{store: s}
}

// NewHandlerFactory wires a Dispatcher into the engine's restart protocol:
// every (re)start opens a fresh database handle on the same DSN.
func NewHandlerFactory(dsn string) engine.HandlerFactory {
	return func() (engine.Handler, error) {
		s, err := Open(dsn)
		if err != nil {
			return nil, err
		}
		return NewDispatcher(s), nil
	}
}

func (d *Dispatcher) Close() error {
	return d.store.Close()
}

type idParams struct {
	ID string `json:"id"`
}

type replaceAllParams struct {
	ConversationID string          `json:"conversationId"`
	Messages       []MessageRecord `json:"messages"`
}

func (d *Dispatcher) Handle(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case engine.MethodHealthCheck:
		return marshal(d.store.Health(ctx))

	case engine.MethodProjectCreate:
		var p Project
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		if err := d.store.CreateProject(ctx, &p); err != nil {
			return nil, err
		}
		return marshal(&p, nil)

	case engine.MethodProjectGet:
		var in idParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return marshal(d.store.GetProject(ctx, in.ID))

	case engine.MethodProjectList:
		return marshal(d.store.ListProjects(ctx))

	case engine.MethodProjectUpdate:
		var p Project
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		if err := d.store.UpdateProject(ctx, &p); err != nil {
			return nil, err
		}
		return marshal(&p, nil)

	case engine.MethodProjectDelete:
		var in idParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return nil, d.store.DeleteProject(ctx, in.ID)

	case engine.MethodConversationCreate:
		var rec ConversationRecord
		if err := unmarshal(params, &rec); err != nil {
			return nil, err
		}
		if err := d.store.CreateConversation(ctx, &rec); err != nil {
			return nil, err
		}
		return marshal(&rec, nil)

	case engine.MethodConversationSave:
		var rec ConversationRecord
		if err := unmarshal(params, &rec); err != nil {
			return nil, err
		}
		if err := d.store.SaveConversation(ctx, &rec); err != nil {
			return nil, err
		}
		return marshal(&rec, nil)

	case engine.MethodConversationGet:
		var in idParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return marshal(d.store.GetConversation(ctx, in.ID))

	case engine.MethodConversationList:
		var filter ListConversationsFilter
		if err := unmarshal(params, &filter); err != nil {
			return nil, err
		}
		return marshal(d.store.ListConversations(ctx, filter))

	case engine.MethodConversationDelete:
		var in idParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return nil, d.store.DeleteConversation(ctx, in.ID)

	case engine.MethodConversationArchive:
		var in idParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return nil, d.store.SetConversationArchived(ctx, in.ID, true)

	case engine.MethodConversationRestore:
		var in idParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return nil, d.store.SetConversationArchived(ctx, in.ID, false)

	case engine.MethodMessageAppend:
		var m MessageRecord
		if err := unmarshal(params, &m); err != nil {
			return nil, err
		}
		if err := d.store.AppendMessage(ctx, &m); err != nil {
			return nil, err
		}
		return marshal(&m, nil)

	case engine.MethodMessageList:
		var in struct {
			ConversationID string `json:"conversationId"`
		}
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return marshal(d.store.ListMessages(ctx, in.ConversationID))

	case engine.MethodMessageReplaceAll:
		var in replaceAllParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return marshal(d.store.ReplaceAllMessages(ctx, in.ConversationID, in.Messages))

	case engine.MethodSearchMessages:
		var in SearchParams
		if err := unmarshal(params, &in); err != nil {
			return nil, err
		}
		return marshal(d.store.SearchMessages(ctx, in))

	case engine.MethodMaintenanceCompact:
		return marshal(d.store.Compact(ctx))

	default:
		return nil, errors.Wrapf(engine.ErrValidation, "unknown method %s", method)
	}
}

func unmarshal(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return errors.Wrap(engine.ErrValidation, "missing params")
	}
	if err := json.Unmarshal(params, out); err != nil {
		return errors.Wrapf(engine.ErrValidation, "decoding params: %v", err)
	}
	return nil
}

func marshal[T any](v T, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	return raw, errors.Wrap(err, "encoding result")
}
