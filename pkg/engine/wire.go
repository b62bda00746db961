package engine

import (
	"context"
	"encoding/json"
)

// Method names exposed by the persistence engine. They are part of the
// external contract; renaming one is a breaking change for stored queues and
// any out-of-process caller.
const (
	MethodHealthCheck = "health.check"

	MethodProjectCreate = "project.create"
	MethodProjectGet    = "project.get"
	MethodProjectList   = "project.list"
	MethodProjectUpdate = "project.update"
	MethodProjectDelete = "project.delete"

	MethodConversationCreate  = "conversation.create"
	MethodConversationSave    = "conversation.save"
	MethodConversationGet     = "conversation.get"
	MethodConversationList    = "conversation.list"
	MethodConversationDelete  = "conversation.delete"
	MethodConversationArchive = "conversation.archive"
	MethodConversationRestore = "conversation.restore"

	MethodMessageAppend     = "message.append"
	MethodMessageList       = "message.list"
	MethodMessageReplaceAll = "message.replaceAll"

	MethodSearchMessages = "search.messages"

	MethodMaintenanceCompact = "maintenance.compact"
)

// Request is the cross-boundary call form: a method name plus plain JSON
// parameters, correlated by an opaque id assigned by the caller.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response carries either a result or an error, never both.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

func NewResponse(id string, result json.RawMessage, err error) Response {
	if err != nil {
		return Response{ID: id, Error: &ErrorInfo{Kind: Kind(err), Message: err.Error()}}
	}
	return Response{ID: id, Result: result}
}

// Handler executes a single persistence method. Implementations run on the
// engine's execution context and may assume exclusive access to the store.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, params)
}

// HandlerFactory builds a fresh handler. The engine calls it on startup and
// again after a crash, so factories should (re)open their store handle.
type HandlerFactory func() (Handler, error)
